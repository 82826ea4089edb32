// Package logger carries a request-scoped *slog.Logger through a context.
package logger

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// AddToContext returns a context carrying the given logger.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default when none
// was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
