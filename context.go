package statekit

import (
	"context"
	"log/slog"
)

const dispatchContextKey contextKey = iota

type contextKey int

// dispatchContextData is the per-dispatch baggage attached to the context
// seen by handler bodies.
type dispatchContextData struct {
	container string
	eventID   string
	logger    *slog.Logger
}

// ContextEventID returns the unique ID assigned to the event being handled,
// or "" outside a handler.
func ContextEventID(ctx context.Context) string {
	if d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData); ok {
		return d.eventID
	}
	return ""
}

// ContextContainer returns the name of the container whose handler is
// running, or "" outside a handler.
func ContextContainer(ctx context.Context) string {
	if d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData); ok {
		return d.container
	}
	return ""
}

// ContextLogger returns the logger of the container whose handler is running.
// Falls back to the default slog logger outside a handler.
func ContextLogger(ctx context.Context) *slog.Logger {
	if d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData); ok && d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

func contextWithDispatch(ctx context.Context, container, eventID string, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, dispatchContextKey, &dispatchContextData{
		container: container,
		eventID:   eventID,
		logger:    logger,
	})
}
