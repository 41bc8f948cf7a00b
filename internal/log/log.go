// Package log provides shared structured logging helpers.
// All packages log through the slog logger carried in the context so that
// independent resolution runs can use independent sinks.
package log

import (
	"context"
	"log/slog"
	"time"

	slogcontext "github.com/veqryn/slog-context"
)

// Realm returns the contextual logger annotated with the realm (subsystem)
// emitting the record.
func Realm(ctx context.Context, realm string) *slog.Logger {
	return slogcontext.FromCtx(ctx).With(slog.String("realm", realm))
}

// Operation logs the start of an operation and returns a completion func
// that logs its outcome together with the elapsed time.
func Operation(ctx context.Context, realm, operation string, fields ...slog.Attr) func(error) {
	start := time.Now()
	attrs := make([]any, 0, len(fields)+1)
	attrs = append(attrs, slog.String("operation", operation))
	for _, field := range fields {
		attrs = append(attrs, field)
	}
	logger := Realm(ctx, realm).With(attrs...)
	logger.Log(ctx, slog.LevelDebug, "starting operation")
	return func(err error) {
		if err != nil {
			logger.Log(ctx, slog.LevelError, "operation failed", slog.Duration("duration", time.Since(start)), slog.String("error", err.Error()))
			return
		}
		logger.Log(ctx, slog.LevelDebug, "operation completed", slog.Duration("duration", time.Since(start)))
	}
}
