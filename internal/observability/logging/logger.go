package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewJSONLogger writes service-tagged JSON records to stdout.
func NewJSONLogger(service, level string) *slog.Logger {
	return New(os.Stdout, service, level)
}

// New writes JSON records tagged with service to w. level takes the slog
// names, case-insensitive and with an optional offset such as "debug+2";
// anything else logs at info.
func New(w io.Writer, service, level string) *slog.Logger {
	var threshold slog.Level
	if err := threshold.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		threshold = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: threshold})
	return slog.New(handler).With("service", service)
}

// Component tags records with the subsystem that emitted them.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}
