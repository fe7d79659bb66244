package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Chapsvision-dev/keepass-backup/internal/auth"
	"github.com/Chapsvision-dev/keepass-backup/internal/backup"
	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/logx"
	"github.com/Chapsvision-dev/keepass-backup/internal/restore"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
	"github.com/Chapsvision-dev/keepass-backup/internal/upload"

	_ "github.com/Chapsvision-dev/keepass-backup/internal/store/azure"
	_ "github.com/Chapsvision-dev/keepass-backup/internal/store/dropbox"
	_ "github.com/Chapsvision-dev/keepass-backup/internal/store/local"
	_ "github.com/Chapsvision-dev/keepass-backup/internal/store/s3"
)

// Test seams: overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig   func() (config.Config, error)                                               = config.Load
	newStore     func(name string, cfg any) (store.Store, error)                             = store.New
	backupRun    func(context.Context, store.Store, backup.Options) (backup.Result, error)   = backup.Run
	uploadRun    func(context.Context, store.Store, upload.Options) (upload.Result, error)   = upload.Run
	restoreRun   func(context.Context, store.Store, restore.Options) (restore.Result, error) = restore.Run
	oauthRun     func(context.Context, config.Config) (auth.Tokens, error)                   = runOAuth
	acquireToken func(context.Context, config.Config) (string, error)                        = auth.AcquireToken
	initLogging  func(logFile string) (func() error, error)                                  = logx.InitFromEnv
	exit         func(int)                                                                   = os.Exit
)

// usageError marks bad invocations; they exit with code 2.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

// main wires CLI -> config -> store -> backup/upload/restore.
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteC()
	if a.closeLog != nil {
		defer func() { _ = a.closeLog() }()
	}
	if err == nil {
		return 0
	}

	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Error: %v\n\n%s", err, cmd.UsageString())
		return 2
	}
	reportError(cmd, err)
	return 1
}

// reportError logs the failure with whatever structure the error carries.
func reportError(cmd *cobra.Command, err error) {
	ev := log.Error().Err(err).Str("command", cmd.Name())
	var be *backup.Error
	if errors.As(err, &be) {
		ev = ev.
			Str("kind", be.Kind.String()).
			Str("step", be.Step).
			Bool("remote_changed", be.RemoteChanged).
			Bool("rollback_attempted", be.RollbackAttempted).
			Bool("rollback_ok", be.RollbackOK)
	}
	if k := store.KindOf(err); errors.Is(err, k) {
		ev = ev.Str("store_error", k.Error())
	}
	ev.Msg(cmd.Name() + " failed")
}

// app carries state shared by the commands of one invocation.
type app struct {
	cfg      config.Config
	closeLog func() error

	provider string
	logFile  string
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "keepass-backup",
		Short: "Verified backup of a KeePass database to a remote store",
		Long: `Uploads a KeePass database to a remote store without ever leaving the
remote copy broken: the previous object is snapshotted, the new one is staged
under a temp name and verified by SHA-256 before it replaces the old one, and
any failure is rolled back.`,
		// Runs before any setup, so a bad invocation touches nothing.
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError{errors.New("missing command")}
			}
			return usageError{fmt.Errorf("unknown command %q", args[0])}
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	root.SetGlobalNormalizationFunc(normalizeFlags)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.provider, "provider", "p", "", "store backend ("+strings.Join(store.Names(), ", ")+"); env BACKUP_PROVIDER")
	pf.StringVarP(&a.logFile, "log-file", "l", "", `log file, "-" disables it; env LOG_FILE (default "`+config.DefaultLogFile+`")`)

	root.AddCommand(
		newBackupCmd(a),
		newUploadCmd(a),
		newRestoreCmd(a),
		newAuthCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads config, applies the persistent flags and starts logging.
func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "help" {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.provider != "" {
		cfg.Provider = strings.ToLower(a.provider)
	}
	if a.logFile != "" {
		cfg.LogFile = a.logFile
	}
	a.cfg = cfg

	closeLog, err := initLogging(cfg.LogFile)
	a.closeLog = closeLog
	if err != nil {
		// Console logging is still up; carry on without the file.
		log.Warn().Err(err).Str("file", cfg.LogFile).Msg("log file disabled")
	}
	return nil
}

// openStore validates provider settings and builds the store.
func (a *app) openStore() (store.Store, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := newStore(a.cfg.Provider, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("store init (%s): %w", a.cfg.Provider, err)
	}
	return st, nil
}

// normalizeFlags keeps the older --dropbox-folder spelling working.
func normalizeFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "dropbox-folder" {
		name = "folder"
	}
	return pflag.NormalizedName(name)
}

// argsUsage wraps a positional-args validator so violations exit with 2.
func argsUsage(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// pick returns the first non-blank value.
func pick(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func withSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
