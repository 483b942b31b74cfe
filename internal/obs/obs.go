// Package obs builds the process-wide zerolog logger, switching between a
// pretty console writer and structured JSON the same way the teacher's
// internal/util.InitLogger does, keyed off whether stdout is a terminal
// rather than an explicit flag.
package obs

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger constructs the root logger for serviceName at the given level.
// An empty or unrecognized level defaults to info.
func NewLogger(serviceName, level string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))

	if isTerminal() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// SetLevel updates the global log level at runtime, e.g. after a config
// reload. An unrecognized level logs a warning and falls back to info.
func SetLevel(logger zerolog.Logger, level string) {
	parsed := parseLevel(level)
	zerolog.SetGlobalLevel(parsed)
	if parsed == zerolog.InfoLevel && level != "" && level != "info" {
		logger.Warn().Str("configured_level", level).Str("using_level", "info").Msg("unknown log level, defaulting to info")
		return
	}
	logger.Info().Str("level", parsed.String()).Msg("log level set")
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// isTerminal reports whether stdout is attached to a terminal, matching the
// teacher's character-device check.
func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
