// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console logger writing to w (os.Stderr when nil). The debug
// flag sets the initial global level; SetDebug flips it at runtime.
func New(w io.Writer, debug bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	SetDebug(debug)

	writer := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// SetDebug switches the global log level between info and debug.
func SetDebug(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Debugging reports whether debug logging is currently enabled.
func Debugging() bool {
	return zerolog.GlobalLevel() <= zerolog.DebugLevel
}
