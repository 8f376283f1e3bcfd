// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures the global logger.
type Options struct {
	Pretty bool
	Level  zerolog.Level
}

// Init installs the global zerolog logger used by every package via
// github.com/rs/zerolog/log.
func Init(opts Options) {
	zerolog.TimeFieldFormat = time.RFC3339
	var w io.Writer = os.Stderr
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(w).With().Timestamp().Logger().Level(opts.Level)
	log.Logger = logger
}
