// Package logging configures zerolog for the controller process.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Setup configures zerolog for the process, writing to stderr.
func Setup(level, format string) (zerolog.Logger, error) {
	return SetupWithWriter(level, format, os.Stderr)
}

// SetupWithWriter configures zerolog to write to w. It also replaces the
// global log.Logger.
func SetupWithWriter(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var writer io.Writer
	switch format {
	case FormatConsole:
		writer = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	case FormatJSON, "":
		writer = w
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(writer).With().Timestamp().Logger().Level(lvl)
	log.Logger = logger
	return logger, nil
}

// Component returns a child logger tagged with a component name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}
