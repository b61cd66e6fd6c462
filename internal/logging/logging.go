// Package logging configures the zerolog logger shared by the service and
// its collaborators. Setup lives here so the core only ever receives a ready
// zerolog.Logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the service logger. Verbose raises the level to debug. Output
// defaults to stderr so the TUI owns stdout.
func New(verbose bool, output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(output).Level(level).With().
		Timestamp().
		Str("service", "dezap").
		Logger()
}

// Nop returns a disabled logger for tests and embedders that want silence.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
