// Package logger configures zerolog for the coordination-layer processes.
// Each process builds its logger once in main and passes it down; there is
// no package-level logger instance.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger tagged with the service name. Output is JSON on
// stdout; when APP_ENV is not "production" a console writer is used
// instead. The level string is parsed leniently, defaulting to info.
func New(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	log := zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	if os.Getenv("APP_ENV") != "production" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return log
}
