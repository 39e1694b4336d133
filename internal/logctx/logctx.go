package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey        contextKey = "logger"
	requestIDKey     contextKey = "request_id"
	fulfillmentIDKey contextKey = "fulfillment_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithRequestID stores the HTTP request id so handlers and the TraceHandler can read it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the HTTP request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}

	return ""
}

// WithFulfillmentID tags ctx with the fulfillment request being worked on.
func WithFulfillmentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, fulfillmentIDKey, id)
}

// FulfillmentID returns the fulfillment id stored in ctx, or "".
func FulfillmentID(ctx context.Context) string {
	if id, ok := ctx.Value(fulfillmentIDKey).(string); ok {
		return id
	}

	return ""
}
