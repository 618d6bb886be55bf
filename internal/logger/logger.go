package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/bilal/hubtiming-agent/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger on stderr.
func Init(lcfg config.LoggingConfig) {
	InitWriter(lcfg, os.Stderr)
}

// InitWriter configures the global zerolog logger on w.
func InitWriter(lcfg config.LoggingConfig, w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(lcfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	// format
	if strings.ToLower(lcfg.Format) == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		// default json
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	}
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
