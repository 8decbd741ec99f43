package statekit

import (
	"log/slog"
	"sync"
)

// Subscription is a handle to an active state observation that can be
// released independently of the container that produced it.
type Subscription interface {
	// ID returns the unique subscription identifier.
	ID() string
	// Close releases the subscription. Idempotent.
	Close()
}

// StateSub is a channel-based subscription to a container's state stream.
type StateSub[S any] struct {
	id     string
	ch     chan S
	cancel func()
	once   sync.Once
}

// ID returns the unique subscription identifier.
func (s *StateSub[S]) ID() string { return s.id }

// States returns the channel of state values. The current state is delivered
// first, then every subsequent change. The channel is closed when the
// subscription or the owning container closes.
func (s *StateSub[S]) States() <-chan S { return s.ch }

// Close releases the subscription and closes the States channel. Idempotent.
func (s *StateSub[S]) Close() {
	s.once.Do(s.cancel)
}

// stream is a replay-latest broadcast of a container's state: a new
// subscriber always receives the current value before any future change.
type stream[S any] struct {
	mu       sync.Mutex
	latest   S
	subs     map[string]*StateSub[S]
	watchers map[string]func(S)
	order    []string // watcher invocation order
	closed   bool
	buffer   int
	logger   *slog.Logger
}

func newStream[S any](initial S, buffer int, logger *slog.Logger) *stream[S] {
	return &stream[S]{
		latest:   initial,
		subs:     make(map[string]*StateSub[S]),
		watchers: make(map[string]func(S)),
		buffer:   buffer,
		logger:   logger,
	}
}

func (st *stream[S]) current() S {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.latest
}

// subscribe registers a channel subscriber. The current value is buffered
// into the channel before subscribe returns, so the replay precedes any
// change published afterwards.
func (st *stream[S]) subscribe() (*StateSub[S], error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrContainerClosed
	}

	id := NewID()
	sub := &StateSub[S]{
		id: id,
		ch: make(chan S, st.buffer),
	}
	sub.cancel = func() { st.unsubscribe(id) }
	sub.ch <- st.latest
	st.subs[id] = sub
	return sub, nil
}

func (st *stream[S]) unsubscribe(id string) {
	st.mu.Lock()
	sub, ok := st.subs[id]
	if ok {
		delete(st.subs, id)
	}
	st.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// watch registers a synchronous callback observer. The current value is
// replayed into the callback before watch returns.
func (st *stream[S]) watch(fn func(S)) (Subscription, error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, ErrContainerClosed
	}
	id := NewID()
	st.watchers[id] = fn
	st.order = append(st.order, id)
	latest := st.latest
	st.mu.Unlock()

	fn(latest)
	return &watchSub{id: id, stream: func() { st.unwatch(id) }}, nil
}

func (st *stream[S]) unwatch(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.watchers, id)
	for i, wid := range st.order {
		if wid == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
}

// send publishes a new value to every subscriber and watcher. A slow channel
// subscriber has its oldest buffered value conflated away; the latest state
// always gets through.
func (st *stream[S]) send(v S) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.latest = v
	subs := make([]*StateSub[S], 0, len(st.subs))
	for _, sub := range st.subs {
		subs = append(subs, sub)
	}
	watchers := make([]func(S), 0, len(st.order))
	for _, id := range st.order {
		if fn, ok := st.watchers[id]; ok {
			watchers = append(watchers, fn)
		}
	}
	st.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- v:
		default:
			// Buffer full: drop the oldest value, keep the newest.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- v:
				st.logger.Debug("state stream conflated, subscriber too slow", "subscription", sub.id)
			default:
			}
		}
	}
	for _, fn := range watchers {
		fn(v)
	}
}

// close shuts the stream, closing every subscriber channel. Idempotent.
func (st *stream[S]) close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	subs := st.subs
	st.subs = make(map[string]*StateSub[S])
	st.watchers = make(map[string]func(S))
	st.order = nil
	st.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

// watchSub is the subscription handle for callback watchers and for
// cross-container observations resolved through a router.
type watchSub struct {
	id     string
	stream func()
	once   sync.Once
}

func (w *watchSub) ID() string { return w.id }

func (w *watchSub) Close() {
	w.once.Do(w.stream)
}

// Compile-time interface checks
var _ Subscription = (*watchSub)(nil)
var _ Subscription = (*StateSub[int])(nil)
