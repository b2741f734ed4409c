package logger

import (
	"context"
	"log/slog"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	loggerKey contextKey = "grove.logger"
	// opIDKey carries the operation ULID every log line of one CLI
	// invocation shares.
	opIDKey contextKey = "grove.op_id"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithOpID adds an operation id to the context.
func WithOpID(ctx context.Context, opID string) context.Context {
	return context.WithValue(ctx, opIDKey, opID)
}

// OpIDFromContext extracts the operation id from context.
func OpIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(opIDKey).(string); ok {
		return id
	}
	return ""
}

// L returns the context's logger, enriched with the operation id when
// one is present. Falls back to slog.Default.
func L(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(loggerKey).(*slog.Logger)
	if !ok {
		l = slog.Default()
	}
	if opID := OpIDFromContext(ctx); opID != "" {
		l = l.With("op_id", opID)
	}
	return l
}
