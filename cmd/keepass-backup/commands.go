package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Chapsvision-dev/keepass-backup/internal/auth"
	"github.com/Chapsvision-dev/keepass-backup/internal/backup"
	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/restore"
	"github.com/Chapsvision-dev/keepass-backup/internal/upload"
	"github.com/Chapsvision-dev/keepass-backup/internal/version"
)

func newBackupCmd(a *app) *cobra.Command {
	var source, folder string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, stage, verify and replace the remote copy of a database",
		Example: `  keepass-backup backup -s ~/keepass.kdbx
  keepass-backup backup -s ~/keepass.kdbx -f /KeepassBackups -p dropbox`,
		Args: argsUsage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			src := pick(source, a.cfg.BackupSource)
			if src == "" {
				return usageError{errors.New("no source file: pass --source or set BACKUP_SOURCE")}
			}
			dst := pick(folder, a.cfg.BackupFolder, config.DefaultFolder)

			st, err := a.openStore()
			if err != nil {
				return err
			}

			// Not bound to signals: an interrupted run would skip the
			// compensation that keeps the remote copy usable.
			start := time.Now()
			res, err := backupRun(context.Background(), st, backup.Options{Source: src, Folder: dst})
			if err != nil {
				return err
			}
			log.Info().
				Str("action", "backup").
				Str("provider", st.Name()).
				Str("run_id", res.RunID).
				Str("remote", res.RemotePath).
				Str("snapshot", res.SnapshotPath).
				Str("sha256", res.Digest.String()).
				Dur("elapsed_ms", time.Since(start)).
				Msg("backup finished")
			return nil
		},
	}
	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&source, "source", "s", "", "local database file; env BACKUP_SOURCE")
	cmd.Flags().StringVarP(&folder, "folder", "f", "", `remote folder; env BACKUP_FOLDER (default "`+config.DefaultFolder+`")`)
	return cmd
}

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <local> [remote]",
		Short: "Upload a file in one call, without staging or rollback",
		Long: `Uploads a file with a single overwriting call and checks the object exists
afterwards. A remote ending in "/" (or none, meaning BACKUP_FOLDER) gets the
local file name appended.`,
		Args: argsUsage(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := ""
			if len(args) > 1 {
				remote = args[1]
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			ctx, cancel := withSignals(context.Background())
			defer cancel()

			res, err := uploadRun(ctx, st, upload.Options{
				LocalPath:     args[0],
				RemotePath:    remote,
				DefaultFolder: pick(a.cfg.BackupFolder, config.DefaultFolder),
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", res.Digest, res.RemotePath)
			return err
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "restore <remote> [local]",
		Short:   "Download a remote object, such as a snapshot, to a local file",
		Example: `  keepass-backup restore /KeepassBackups/keepass_2025-03-14_09-26-53.kdbx ./keepass.kdbx --force`,
		Args:    argsUsage(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := ""
			if len(args) > 1 {
				local = args[1]
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			ctx, cancel := withSignals(context.Background())
			defer cancel()

			res, err := restoreRun(ctx, st, restore.Options{RemotePath: args[0], LocalPath: local, Force: force})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", res.Digest, res.LocalPath)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing local file")
	return cmd
}

func newAuthCmd(a *app) *cobra.Command {
	var check bool
	var envFile string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize Dropbox access and print a refresh token",
		Long: `Runs the OAuth authorization-code flow for the app in DROPBOX_APP_KEY and
DROPBOX_APP_SECRET. A browser opens on the Dropbox consent page; after approval
the redirect lands on a local server (DROPBOX_REDIRECT_URI, default
` + config.DefaultRedirectURI + `) and the refresh token is printed, or written to
--env-file. With --check, the configured credentials are only tested.`,
		Args: argsUsage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withSignals(context.Background())
			defer cancel()

			if check {
				if _, err := acquireToken(ctx, a.cfg); err != nil {
					return fmt.Errorf("dropbox credentials: %w", err)
				}
				log.Info().Str("action", "auth_check").Msg("dropbox credentials OK")
				return nil
			}

			tok, err := oauthRun(ctx, a.cfg)
			if err != nil {
				return err
			}
			if envFile != "" {
				if err := writeEnv(envFile, map[string]string{"DROPBOX_REFRESH_TOKEN": tok.RefreshToken}); err != nil {
					return err
				}
				log.Info().Str("action", "auth").Str("file", envFile).Msg("refresh token saved")
				return nil
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "DROPBOX_REFRESH_TOKEN=%s\n", tok.RefreshToken)
			return err
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "only verify the configured credentials")
	cmd.Flags().StringVar(&envFile, "env-file", "", "merge the refresh token into this dotenv file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  argsUsage(cobra.NoArgs),

		// No config or log file needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "keepass-backup %s\n", version.Info())
			return err
		},
	}
}

func runOAuth(ctx context.Context, cfg config.Config) (auth.Tokens, error) {
	f, err := auth.NewFlow(cfg)
	if err != nil {
		return auth.Tokens{}, err
	}
	return f.Run(ctx)
}

// writeEnv merges kv into a dotenv file, keeping the other entries. The file
// is staged next to the target with mode 0600 and renamed over it.
func writeEnv(path string, kv map[string]string) error {
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		env = existing
	}
	for k, v := range kv {
		env[k] = v
	}
	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := f.WriteString(content + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
