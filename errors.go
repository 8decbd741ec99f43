package statekit

import (
	"errors"
	"fmt"
)

// Engine errors.
// Use errors.Is() to check for these errors as they may be wrapped with
// additional context.
var (
	// ErrTypeMismatch indicates an event or container was used with a type
	// other than the one it was registered with. Dispatch matching is exact:
	// a handler registered for a concrete event type only runs for values of
	// exactly that type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrNotRegistered indicates a lookup of a container name that has no
	// entry in the router.
	ErrNotRegistered = errors.New("container not registered")

	// ErrContainerClosed indicates a mutating call on a closed container.
	ErrContainerClosed = errors.New("container is closed")

	// ErrRouterClosed indicates a mutating call on a closed router.
	ErrRouterClosed = errors.New("router is closed")

	// ErrAlreadyBound indicates a container was registered with a second
	// router. A container binds to exactly one router for its lifetime.
	ErrAlreadyBound = errors.New("container already bound to a router")

	// ErrContainerExists indicates a router already owns a container with
	// the same name.
	ErrContainerExists = errors.New("container already registered with this name")

	// ErrNilHandler indicates a handler registration with a nil function.
	ErrNilHandler = errors.New("handler is required")

	// ErrNilEvent indicates a nil event value passed to Add or Dispatch.
	ErrNilEvent = errors.New("event is nil")
)

// PanicError wraps a panic recovered from a handler body. The panic is
// converted to an error and propagated to the caller awaiting Add or
// Dispatch instead of crashing the process.
type PanicError struct {
	Container string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic in container %q: %v", e.Container, e.Value)
}

// IsPanic checks if an error originated from a recovered handler panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
