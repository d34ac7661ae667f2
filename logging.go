package autocrit

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// NewLogger returns the process logger. Every line carries the process rank so
// interleaved output from a multi-process launch stays attributable.
func NewLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if Debug() {
		level = zerolog.DebugLevel
	}
	var logger zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Int("rank", Rank()).Logger()
}
