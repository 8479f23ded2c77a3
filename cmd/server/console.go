package main

import (
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/log"
)

// newConsoleHandler returns a colourised handler for local development
func newConsoleHandler(w io.Writer, level slog.Level) slog.Handler {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           log.Level(level),
		Prefix:          serviceName,
	})
	return logger
}
