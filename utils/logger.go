// Package utils holds small pieces shared by the vmkernel library and its
// host harness: structured logging and a park/notify semaphore.
package utils

import (
	"log/slog"
	"os"
)

// NewLogger builds a text-handler slog.Logger tagged with the given
// component name, at the given level ("debug", "info", "warn", "error").
func NewLogger(component string, levelName string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}
