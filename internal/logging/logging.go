// Package logging provides structured logging via zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger.
var Logger zerolog.Logger

// Config holds logger configuration.
type Config struct {
	Level  string    // DEBUG | INFO | WARN | ERROR
	Output io.Writer // defaults to os.Stderr
	Pretty bool      // console writer for interactive use
}

// Init configures the global logger.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	Logger = zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug starts a debug level message.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts an info level message.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a warn level message.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts an error level message.
func Error() *zerolog.Event { return Logger.Error() }

// With creates a child logger context.
func With() zerolog.Context { return Logger.With() }

func init() {
	Init(Config{Level: "INFO"})
}
