package statekit

import (
	"log/slog"
	"sync"
)

// deferredAction is a cross-container call recorded before the caller's
// router binding exists. It runs exactly once, against the router that
// completed the binding.
type deferredAction func(r *Router) error

// deferredQueue models the two-state binding lifecycle of a container:
// Unbound, where actions accumulate in FIFO order, and Bound, where actions
// execute immediately. The transition is one-way and drains the queue in the
// original call order.
//
// Replay failures are delivered to the error handler configured with
// WithErrorHandler: by the time an action is replayed its original caller
// has already returned.
type deferredQueue struct {
	mu      sync.Mutex
	router  *Router
	actions []deferredAction
	onError func(error)
	logger  *slog.Logger
}

func newDeferredQueue(onError func(error), logger *slog.Logger) *deferredQueue {
	return &deferredQueue{
		onError: onError,
		logger:  logger,
	}
}

// do executes the action immediately when bound, returning its error to the
// caller; otherwise it records the action and returns nil.
func (q *deferredQueue) do(a deferredAction) error {
	q.mu.Lock()
	if q.router == nil {
		q.actions = append(q.actions, a)
		q.mu.Unlock()
		return nil
	}
	r := q.router
	q.mu.Unlock()
	return a(r)
}

// bind transitions the queue to Bound and replays recorded actions in FIFO
// order. Actions triggered re-entrantly during the replay run immediately.
func (q *deferredQueue) bind(r *Router) {
	q.mu.Lock()
	if q.router != nil {
		q.mu.Unlock()
		return
	}
	q.router = r
	actions := q.actions
	q.actions = nil
	q.mu.Unlock()

	if len(actions) > 0 {
		q.logger.Debug("replaying deferred actions", "count", len(actions))
	}
	for _, a := range actions {
		if err := a(r); err != nil {
			q.logger.Warn("deferred action failed on replay", "error", err)
			q.onError(err)
		}
	}
}

// deferredSub is the subscription handle returned by SubscribeTo before the
// target binding exists. It forwards to the real subscription once the
// deferred subscribe is replayed; closing it beforehand cancels the replay.
type deferredSub struct {
	id     string
	mu     sync.Mutex
	inner  Subscription
	closed bool
}

func newDeferredSub() *deferredSub {
	return &deferredSub{id: NewID()}
}

func (d *deferredSub) ID() string { return d.id }

func (d *deferredSub) Close() {
	d.mu.Lock()
	d.closed = true
	inner := d.inner
	d.mu.Unlock()
	if inner != nil {
		inner.Close()
	}
}

// resolve attaches the realized subscription. If the handle was closed while
// still deferred, the realized subscription is released right away.
func (d *deferredSub) resolve(sub Subscription) {
	d.mu.Lock()
	d.inner = sub
	closed := d.closed
	d.mu.Unlock()
	if closed {
		sub.Close()
	}
}

// Compile-time interface check
var _ Subscription = (*deferredSub)(nil)
