// Package log builds the process logger. docpipe logs through
// log/slog; this package only decides level, format, and destination
// once at CLI startup. Every component then receives the configured
// *slog.Logger, or one derived from it via With.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Config selects how the process logs.
type Config struct {
	// Level is the minimum level written (default Info).
	Level slog.Level
	// JSON switches from human-readable text to one JSON object per
	// line, for log collectors.
	JSON bool
	// AddSource stamps entries with the file:line of the call site.
	AddSource bool
}

// New builds a logger writing to stderr.
func New(cfg Config) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
