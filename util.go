package statekit

import (
	"log/slog"

	"github.com/google/uuid"
)

// NewID generates a new unique ID for containers, routers and subscriptions.
func NewID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return ""
	}
	return u.String()
}

// Logger returns a component-scoped logger derived from the default slog
// logger.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
