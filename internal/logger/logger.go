package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// Init installs a JSON logger on stdout as the default and returns it.
func Init(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps debug|info|warn|error to a level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// From returns the default logger, tagged with the request id when ctx
// carries one.
func From(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if id := middleware.GetReqID(ctx); id != "" {
		logger = logger.With(slog.String("request_id", id))
	}

	return logger
}
