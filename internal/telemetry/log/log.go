// Package log provides zerolog setup helpers: New builds a logger that
// writes a console stream on a terminal and JSON otherwise, and Component
// derives a named sub-logger. The binaries and the other internal packages
// do not call them; they log through zerolog's global logger.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New builds the process-wide logger. In an interactive terminal it writes
// a human-readable console stream; otherwise it emits line-delimited JSON
// suitable for log aggregation.
func New(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(lvl).
			With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}

	return out
}

// Component derives a sub-logger tagged with a "component" field.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
