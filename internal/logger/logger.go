// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context and lets a
// position ID ride along in context.Context so every log line emitted
// while a trade is open can be tied back to it.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey string

const positionIDKey ctxKey = "position_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// WithPositionID stores a position ID in the context for downstream propagation.
func WithPositionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, positionIDKey, id)
}

// PositionID extracts the position ID from context. Returns "" if not set.
func PositionID(ctx context.Context) string {
	if v, ok := ctx.Value(positionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithPosition returns slog attributes including the position ID from context.
// Usage: slog.Info("msg", logger.WithPosition(ctx)...)
func WithPosition(ctx context.Context) []any {
	id := PositionID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("position_id", id)}
}
