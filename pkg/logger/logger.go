package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures zerolog's global logger instance.
// Output format is controlled by LOG_FORMAT ("console" or "json"),
// level by LOG_LEVEL.
func InitLogger() {
	logFormat := os.Getenv("LOG_FORMAT")
	logLevelStr := os.Getenv("LOG_LEVEL")

	var level zerolog.Level
	switch logLevelStr {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	if logFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().Str("logFormat", logFormat).Str("logLevel", level.String()).Msg("Logger initialized")
}

// GetLogger returns the configured global zerolog logger.
func GetLogger() zerolog.Logger {
	return log.Logger
}
