// Package log builds the process logger.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/config"
)

// New constructs the root zerolog logger from configuration. Unknown
// levels fall back to info.
func New(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
