// Package logging provides structured logging with slog for keyflectd.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Format selects the slog handler used for process output.
type Format int

const (
	// FormatText outputs human-readable text logs, the default for a
	// terminal-attached daemon run.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs, for journald/syslog capture.
	FormatJSON
)

// Config controls how New builds the root logger.
type Config struct {
	Level     slog.Level
	Format    Format
	Output    io.Writer // defaults to os.Stderr when nil
	AddSource bool
}

// DefaultConfig returns the logger configuration used when the daemon is
// started without explicit logging flags.
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: FormatText,
		Output: os.Stderr,
	}
}

// New builds a *slog.Logger per cfg. The resolver and adapters receive this
// logger by constructor injection; nothing in this repository reaches for
// slog.Default().
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Discard is a logger that drops everything, used by tests and by
// components that were not given an explicit logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
