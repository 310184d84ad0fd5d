// Package logging constructs the relay's zerolog logger. The logger is built
// once at startup and handed to components explicitly; nothing reads the
// global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a structured logger. Format "json" writes machine-readable
// lines for log aggregation; "pretty" writes a human console format for
// development.
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "notify-relay").
		Logger()
}

// NewNop returns a logger that discards everything. For tests.
func NewNop() zerolog.Logger {
	return zerolog.New(io.Discard)
}
