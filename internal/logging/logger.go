// Package logging configures zerolog output for the trading engine and
// its caretaker processes.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level   string // debug, info, warn, error
	Console bool   // human-readable console output instead of JSON
	Output  string // "stdout", "stderr", or a file path
}

// ParseLevel converts a string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a root logger from the given configuration. Components derive
// their own loggers via logger.With().Str("component", ...).Logger().
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			out = os.Stdout
		} else {
			out = file
		}
	}

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05"}
	}

	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// NewCaretakerLogger builds a logger for the maintenance scripts (watchdog,
// reconciler runs) that appends JSON lines to logs/<name>.log under dir and
// mirrors warnings and errors to stderr so cron captures them.
func NewCaretakerLogger(dir, name, level string) (zerolog.Logger, error) {
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return zerolog.Nop(), err
	}

	path := filepath.Join(logDir, name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), err
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	stderrWarnings := &zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: os.Stderr},
		Level:  zerolog.WarnLevel,
	}
	out := zerolog.MultiLevelWriter(file, stderrWarnings)

	logger := zerolog.New(out).Level(ParseLevel(level)).With().
		Timestamp().
		Str("script", name).
		Logger()
	return logger, nil
}
