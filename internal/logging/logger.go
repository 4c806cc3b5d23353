package logging

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds a JSON logger tuned for production use. Every record
// carries the service name so processes sharing a log sink stay apart.
func NewLogger(service, level string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(w, opts)
	return slog.New(handler).With("service", service)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
