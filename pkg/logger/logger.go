package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	root = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// New returns a logger tagged with the given component name.
func New(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// SetLogLevel sets the global log level, e.g. "debug", "info", "warn".
func SetLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// SetOutput replaces the writer of loggers created after the call. With
// console set, output is rendered for humans instead of JSON.
func SetOutput(w io.Writer, console bool) {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	root = zerolog.New(w).With().Timestamp().Logger()
}
