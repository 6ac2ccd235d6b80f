// Package logging installs the process-wide zerolog sink and hands out
// component-scoped child loggers: one base logger built once at
// startup, never a fresh global logger constructed ad hoc deeper in the
// call stack.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls how the base logger is constructed.
type Config struct {
	// Format is "json", "console", or "auto" (console on a TTY, json otherwise).
	Format string
	// Level is a zerolog level name: "debug", "info", "warn", "error".
	Level string
	// Component tags every line from the base logger, e.g. "scanner".
	Component string
}

var (
	mu         sync.RWMutex
	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	isTerminalFn = term.IsTerminal
)

// Init builds the base logger from cfg and installs it as log.Logger.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var writer = os.Stderr

	format := cfg.Format
	if format == "" || format == "auto" {
		if isTerminalFn(int(writer.Fd())) {
			format = "console"
		} else {
			format = "json"
		}
	}

	var l zerolog.Logger
	switch format {
	case "console":
		l = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	default:
		l = zerolog.New(writer).With().Timestamp().Logger()
	}

	if cfg.Component != "" {
		l = l.With().Str("component", cfg.Component).Logger()
	}

	baseLogger = l
	log.Logger = baseLogger
}

// For returns a child logger tagged with the given component name.
// Safe to call before Init (falls back to a plain stderr logger).
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger.With().Str("component", component).Logger()
}

func parseLevel(name string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
