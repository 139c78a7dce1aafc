package utils

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger on stdout at the given level ("info" when empty or invalid).
func NewLogger(level, component string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
