// Package logging builds the process-wide zerolog.Logger from resolved
// configuration.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options controls how the root logger is constructed.
type Options struct {
	// Level is one of zerolog's level strings: debug, info, warn, error.
	Level string
	// Format is "console" (human-readable, for local development) or
	// "json" (production).
	Format string
}

// New builds a root logger from opts. It never returns an error; an
// unrecognized level falls back to info.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if strings.ToLower(opts.Format) != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Bootstrap is the logger used before configuration has been parsed
// (flag/config-file errors, etc).
var Bootstrap = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
