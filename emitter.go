package statekit

import "sync/atomic"

// emitterCore is the untyped publish sink behind Emitter. Splitting the
// typed wrapper from the core lets the router hand a typed Emitter for a
// child container to a router-level handler without knowing the child's
// event type, and lets transformer policies close an in-flight invocation's
// emitter without knowing its state type.
type emitterCore struct {
	closed  int32
	publish func(any)
}

func (c *emitterCore) emit(v any) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return
	}
	c.publish(v)
}

func (c *emitterCore) close() {
	atomic.StoreInt32(&c.closed, 1)
}

func (c *emitterCore) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Emitter is the single-use publish sink passed into a handler invocation.
// Emitting sets the owning container's current state and pushes the value to
// its state stream.
//
// An emitter belongs to exactly one invocation. When a Restartable or
// Debounce policy supersedes that invocation, the emitter is closed and
// every later Emit is a silent no-op; closing is the cancellation signal and
// never interrupts handler code.
type Emitter[S any] struct {
	core *emitterCore
}

// Emit publishes a new state value. No-op after Close.
func (e *Emitter[S]) Emit(state S) {
	e.core.emit(state)
}

// Close marks the emitter unusable. Idempotent.
func (e *Emitter[S]) Close() {
	e.core.close()
}

// Closed reports whether the emitter has been closed, which means this
// invocation was superseded and its publishes are suppressed.
func (e *Emitter[S]) Closed() bool {
	return e.core.isClosed()
}
