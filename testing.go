package statekit

import (
	"sync"
	"time"
)

// TestContainer creates a container configured for testing: recovery, tracing
// and metrics disabled so handler panics and failures surface directly.
func TestContainer[S any, E any](name string, initial S, opts ...Option) *Container[S, E] {
	base := []Option{
		WithRecovery(false),
		WithTracing(false),
		WithMetrics(false),
	}
	return New[S, E](name, initial, append(base, opts...)...)
}

// TestRouter creates a router configured for testing.
func TestRouter(name string, opts ...Option) *Router {
	base := []Option{
		WithRecovery(false),
		WithTracing(false),
		WithMetrics(false),
	}
	return NewRouter(name, append(base, opts...)...)
}

// StateRecorder collects every state value published by a container for later
// assertions. Attach it with Record.
type StateRecorder[S any] struct {
	mu     sync.Mutex
	states []S
}

// NewStateRecorder creates an empty recorder.
func NewStateRecorder[S any]() *StateRecorder[S] {
	return &StateRecorder[S]{states: make([]S, 0)}
}

// Record attaches the recorder to the container's state stream. The current
// state is recorded immediately, then every change.
func (r *StateRecorder[S]) Record(c interface {
	Watch(fn func(S)) (Subscription, error)
}) (Subscription, error) {
	return c.Watch(func(s S) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
}

// States returns a copy of all recorded states, oldest first.
func (r *StateRecorder[S]) States() []S {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]S, len(r.states))
	copy(result, r.states)
	return result
}

// Count returns the number of recorded states.
func (r *StateRecorder[S]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Last returns the most recent recorded state, or nil if none.
func (r *StateRecorder[S]) Last() *S {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return nil
	}
	s := r.states[len(r.states)-1]
	return &s
}

// Reset clears all recorded states.
func (r *StateRecorder[S]) Reset() {
	r.mu.Lock()
	r.states = r.states[:0]
	r.mu.Unlock()
}

// WaitFor waits until at least n states have been recorded or timeout is
// reached. Returns true if the expected count was reached, false on timeout.
func (r *StateRecorder[S]) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.Count() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ObservedCall is one lifecycle notification captured by RecordingObserver.
type ObservedCall struct {
	Hook      string
	Container string
	Router    string
	Value     any
	Time      time.Time
}

// RecordingObserver captures every lifecycle notification for later
// assertions.
type RecordingObserver struct {
	mu    sync.Mutex
	calls []ObservedCall
}

// NewRecordingObserver creates an empty recording observer.
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{calls: make([]ObservedCall, 0)}
}

func (o *RecordingObserver) record(call ObservedCall) {
	call.Time = time.Now()
	o.mu.Lock()
	o.calls = append(o.calls, call)
	o.mu.Unlock()
}

func (o *RecordingObserver) ContainerCreated(container string) {
	o.record(ObservedCall{Hook: "created", Container: container})
}

func (o *RecordingObserver) ContainerRegistered(container, router string) {
	o.record(ObservedCall{Hook: "registered", Container: container, Router: router})
}

func (o *RecordingObserver) EventReceived(container string, event any) {
	o.record(ObservedCall{Hook: "event", Container: container, Value: event})
}

func (o *RecordingObserver) StateChanged(container string, state any) {
	o.record(ObservedCall{Hook: "state", Container: container, Value: state})
}

func (o *RecordingObserver) ContainerClosed(container string) {
	o.record(ObservedCall{Hook: "closed", Container: container})
}

// Calls returns a copy of all captured notifications, oldest first.
func (o *RecordingObserver) Calls() []ObservedCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := make([]ObservedCall, len(o.calls))
	copy(result, o.calls)
	return result
}

// CallsFor returns captured notifications for one hook name.
func (o *RecordingObserver) CallsFor(hook string) []ObservedCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	var result []ObservedCall
	for _, c := range o.calls {
		if c.Hook == hook {
			result = append(result, c)
		}
	}
	return result
}

// Count returns the number of captured notifications.
func (o *RecordingObserver) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// Reset clears all captured notifications.
func (o *RecordingObserver) Reset() {
	o.mu.Lock()
	o.calls = o.calls[:0]
	o.mu.Unlock()
}

// WaitFor waits until at least n notifications for the hook have been
// captured or timeout is reached.
func (o *RecordingObserver) WaitFor(hook string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(o.CallsFor(hook)) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Compile-time interface check
var _ Observer = (*RecordingObserver)(nil)
