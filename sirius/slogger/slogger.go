// Package slogger provides a shared LOG_LEVEL-aware slog initialization helper.
//
// Call Init() at the start of main() to configure the global slog logger.
// Legacy log.Print* calls are routed through slog via slog.SetDefault.
//
// Valid levels: "debug", "info", "warn", "error". Default: "info".
// Valid formats: "text", "json". Default: "text".
package slogger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level holds the dynamic log level so it can be queried at runtime.
var level *slog.LevelVar

// Init configures a global slog handler on stdout and returns it. An empty
// lvl falls back to the LOG_LEVEL environment variable.
func Init(lvl, format string) *slog.Logger {
	return InitWriter(os.Stdout, lvl, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, lvl, format string) *slog.Logger {
	if lvl == "" {
		lvl = os.Getenv("LOG_LEVEL")
	}
	level = &slog.LevelVar{}
	level.Set(parseLevel(lvl))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler).With("service", "threat-intel")
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of the handler installed by Init.
func SetLevel(lvl string) {
	if level != nil {
		level.Set(parseLevel(lvl))
	}
}

// Level returns the current slog.Level. Useful for conditional logic such as
// skipping expensive debug formatting when not in debug mode.
func Level() slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

// IsDebug returns true when the current log level is debug or lower.
func IsDebug() bool {
	return Level() <= slog.LevelDebug
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
