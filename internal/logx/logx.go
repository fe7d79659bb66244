package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stdout is where console output goes. Tests swap it.
var Stdout io.Writer = os.Stdout

// InitFromEnv configures zerolog using env vars.
// - LOG_LEVEL  : trace|debug|info|warn|error (default: info)
// - LOG_FORMAT : json|console                (default: json)
//
// When logFile is neither empty nor "-", every event down to debug is also
// appended to it as JSON. The returned func closes that file.
func InitFromEnv(logFile string) (func() error, error) {
	return Init(getenv("LOG_LEVEL", "info"), getenv("LOG_FORMAT", "json"), logFile)
}

// Init is InitFromEnv with explicit settings.
func Init(level, format, logFile string) (func() error, error) {
	// Always use UTC timestamps in RFC3339.
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	consoleLevel := ParseLevel(level)

	var console io.Writer = Stdout
	if strings.ToLower(format) == "console" {
		console = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = Stdout
			w.TimeFormat = time.RFC3339
		})
	}

	closeFn := func() error { return nil }
	if logFile == "" || logFile == "-" {
		zerolog.SetGlobalLevel(consoleLevel)
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return closeFn, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		// Keep console logging usable even if the file can't be opened.
		zerolog.SetGlobalLevel(consoleLevel)
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return closeFn, fmt.Errorf("open log file: %w", err)
	}

	// The file keeps the debug trail; the console only shows the configured level.
	fileLevel := zerolog.DebugLevel
	if consoleLevel < fileLevel {
		fileLevel = consoleLevel
	}
	zerolog.SetGlobalLevel(fileLevel)
	w := zerolog.MultiLevelWriter(
		&zerolog.FilteredLevelWriter{Writer: zerolog.LevelWriterAdapter{Writer: console}, Level: consoleLevel},
		f,
	)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return f.Close, nil
}

// ParseLevel maps a level name to zerolog, falling back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// getenv returns the env var value if set and non-empty, otherwise def.
func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
