package statekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
)

// routeKey identifies one (container, exact event type) route.
type routeKey struct {
	container string
	event     reflect.Type
}

// routerEntry is one registered router-level handler plus its configuration.
type routerEntry struct {
	key         routeKey
	stateType   reflect.Type
	skipIfChild bool
	ctrl        *controller // nil when no transformer is configured
	invoke      entryInvoker
	call        func(ctx context.Context, event any, em *emitterCore) error
}

// Router owns a set of named containers and mediates precedence,
// cross-container dispatch and lifecycle between them. Router-level handlers
// are keyed by (container name, exact event type) and run with an Emitter
// bound to that container, after the container's own handlers.
//
// A Router exclusively owns its containers; Close cascades to all of them.
type Router struct {
	name            string
	id              string
	status          int32
	logger          *slog.Logger
	observer        Observer
	onError         func(error)
	recoveryEnabled bool

	mu       sync.RWMutex
	children map[string]Child
	routes   map[routeKey][]*routerEntry
	ctrls    []*controller
	subs     []Subscription
	deferred []func() error
}

// NewRouter creates a router. The name appears in logs and lifecycle
// notifications; empty defaults to "router".
func NewRouter(name string, opts ...Option) *Router {
	if name == "" {
		name = "router"
	}
	o := newOptions(opts...)
	r := &Router{
		name:            name,
		id:              NewID(),
		status:          statusRunning,
		logger:          o.logger.With("component", "router>"+name),
		observer:        o.observer,
		onError:         o.onError,
		recoveryEnabled: o.recoveryEnabled,
		children:        make(map[string]Child),
		routes:          make(map[routeKey][]*routerEntry),
	}
	r.logger.Debug("router created")
	return r
}

// RouterOn registers a router-level handler for events of concrete type T
// reported by the named container, whose state type must be S. The handler
// runs with an Emitter publishing into that container.
//
// The container does not need to be registered yet; the state type is
// checked immediately when it is, or at Register time otherwise.
func RouterOn[S any, T any](r *Router, container string, handler Handler[S, T], opts ...HandlerOption) error {
	if handler == nil {
		return ErrNilHandler
	}
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return fmt.Errorf("%w: handler event type must be concrete, got interface", ErrTypeMismatch)
	}
	st := reflect.TypeOf((*S)(nil)).Elem()

	o := newHandlerOptions(opts...)
	entry := &routerEntry{
		key:         routeKey{container: container, event: t},
		stateType:   st,
		skipIfChild: o.skipIfChildHandles,
	}
	entry.call = func(ctx context.Context, event any, em *emitterCore) error {
		return handler(ctx, event.(T), &Emitter[S]{core: em})
	}
	entry.invoke = r.newInvoker(entry)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running() {
		return fmt.Errorf("%w: %q", ErrRouterClosed, r.name)
	}
	if child, ok := r.children[container]; ok {
		if child.stateType() != st {
			return fmt.Errorf("%w: router handler for %q expects state %v, container has %v",
				ErrTypeMismatch, container, st, child.stateType())
		}
	}
	if o.transformer != nil {
		entry.ctrl = o.transformer.spawn(entry.invoke)
		r.ctrls = append(r.ctrls, entry.ctrl)
	}
	r.routes[entry.key] = append(r.routes[entry.key], entry)
	r.logger.Debug("registered router handler",
		"container", container, "event_type", t.String(), "skip_if_child", entry.skipIfChild)
	return nil
}

// Name returns the router name.
func (r *Router) Name() string { return r.name }

// ID returns the router instance ID.
func (r *Router) ID() string { return r.id }

// Running returns true until Close.
func (r *Router) Running() bool { return r.running() }

func (r *Router) running() bool {
	return atomic.LoadInt32(&r.status) == statusRunning
}

// Register takes ownership of each container in order: the container's
// back-reference is set (replaying its deferred cross-container calls),
// then, after all containers are in, the router's own deferred queue is
// replayed.
//
// Returns ErrContainerExists on a name collision and ErrAlreadyBound when a
// container already belongs to another router.
func (r *Router) Register(children ...Child) error {
	if !r.running() {
		return fmt.Errorf("%w: %q", ErrRouterClosed, r.name)
	}
	for _, child := range children {
		name := child.Name()
		r.mu.Lock()
		if !r.running() {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrRouterClosed, r.name)
		}
		if _, ok := r.children[name]; ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrContainerExists, name)
		}
		for key, entries := range r.routes {
			if key.container != name {
				continue
			}
			for _, e := range entries {
				if e.stateType != child.stateType() {
					r.mu.Unlock()
					return fmt.Errorf("%w: router handler for %q expects state %v, container has %v",
						ErrTypeMismatch, name, e.stateType, child.stateType())
				}
			}
		}
		r.children[name] = child
		r.mu.Unlock()

		if err := child.bind(r); err != nil {
			r.mu.Lock()
			delete(r.children, name)
			r.mu.Unlock()
			return err
		}
		child.registered(r.name)
		if ob := r.observer; ob != nil {
			notifyObserver(r.logger, func() { ob.ContainerRegistered(name, r.name) })
		}
		r.logger.Debug("registered container", "container", name)
	}
	r.drainDeferred()
	return nil
}

// Dispatch forwards an event to the named container. When the container is
// not registered yet, the call is recorded and replayed after a later
// Register; a failure at replay time reaches the WithErrorHandler callback.
func (r *Router) Dispatch(ctx context.Context, target string, event any) error {
	if !r.running() {
		return fmt.Errorf("%w: %q", ErrRouterClosed, r.name)
	}
	if child, ok := r.child(target); ok {
		return child.addAny(ctx, event)
	}
	r.enqueue(func() error { return r.Dispatch(ctx, target, event) })
	r.logger.Debug("deferred dispatch, container not yet registered", "container", target)
	return nil
}

// SubscribeTo observes the named container's state stream. The callback
// receives the current state first, then every change. An unregistered
// target defers the subscription exactly like Dispatch; the returned handle
// becomes live when the subscription is realized.
func (r *Router) SubscribeTo(target string, fn func(any)) (Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	if !r.running() {
		return nil, fmt.Errorf("%w: %q", ErrRouterClosed, r.name)
	}
	if child, ok := r.child(target); ok {
		sub, err := child.watchAny(fn)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
		return sub, nil
	}

	ds := newDeferredSub()
	r.enqueue(func() error {
		sub, err := r.SubscribeTo(target, fn)
		if err != nil {
			return err
		}
		ds.resolve(sub)
		return nil
	})
	r.logger.Debug("deferred subscription, container not yet registered", "container", target)
	return ds, nil
}

// GetContainer retrieves a registered container with its full type.
// Returns ErrNotRegistered for an unknown name and ErrTypeMismatch when the
// container was created with different type parameters.
func GetContainer[S any, E any](r *Router, name string) (*Container[S, E], error) {
	child, ok := r.child(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	c, ok := child.(*Container[S, E])
	if !ok {
		return nil, fmt.Errorf("%w: cannot cast container %q to requested type", ErrTypeMismatch, name)
	}
	return c, nil
}

// GetState reads the named container's current state.
func GetState[S any](r *Router, name string) (S, error) {
	var zero S
	child, ok := r.child(name)
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	s, ok := child.stateAny().(S)
	if !ok {
		return zero, fmt.Errorf("%w: container %q state is %v", ErrTypeMismatch, name, child.stateType())
	}
	return s, nil
}

// Containers returns the sorted names of all registered containers.
func (r *Router) Containers() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.children))
	for name := range r.children {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Close cancels all state subscriptions, closes every owned container, and
// stops router-level transformer controllers. Idempotent.
func (r *Router) Close() error {
	if !atomic.CompareAndSwapInt32(&r.status, statusRunning, statusStopped) {
		return nil
	}
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	children := r.children
	r.children = make(map[string]Child)
	ctrls := r.ctrls
	r.ctrls = nil
	r.deferred = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, child := range children {
		if err := child.Close(); err != nil {
			r.logger.Warn("failed to close container", "container", child.Name(), "error", err)
		}
	}
	for _, ctrl := range ctrls {
		ctrl.close()
	}
	r.logger.Debug("router closed")
	return nil
}

// childEvent is the unconditional post-handling notification from an owned
// container. Router-level handlers for (container, exact event type) run in
// registration order; an entry flagged SkipIfChildHandles yields when the
// container declares any handler for the type, whether or not it ran.
func (r *Router) childEvent(ctx context.Context, child Child, t reflect.Type, event any) error {
	if !r.running() {
		return fmt.Errorf("%w: %q", ErrRouterClosed, r.name)
	}
	key := routeKey{container: child.Name(), event: t}
	r.mu.RLock()
	entries := append([]*routerEntry(nil), r.routes[key]...)
	r.mu.RUnlock()
	if len(entries) == 0 {
		return nil
	}

	var errs []error
	for _, e := range entries {
		if e.skipIfChild && child.hasHandlerFor(t) {
			r.logger.Debug("router handler yielded to container",
				"container", key.container, "event_type", t.String())
			continue
		}
		var err error
		if e.ctrl != nil {
			err = e.ctrl.submit(ctx, event)
		} else {
			inf := e.invoke(ctx, event)
			err = <-inf.done
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// hasRoute reports whether any router-level handler is declared for the
// route. Containers consult this for SkipIfRouterHandles.
func (r *Router) hasRoute(container string, t reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[routeKey{container: container, event: t}]) > 0
}

func (r *Router) child(name string) (Child, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	child, ok := r.children[name]
	return child, ok
}

func (r *Router) enqueue(action func() error) {
	r.mu.Lock()
	r.deferred = append(r.deferred, action)
	r.mu.Unlock()
}

// drainDeferred replays the router's deferred queue in FIFO order. Actions
// whose target is still unregistered re-enqueue themselves onto the fresh
// queue for the next Register.
func (r *Router) drainDeferred() {
	r.mu.Lock()
	actions := r.deferred
	r.deferred = nil
	r.mu.Unlock()

	if len(actions) > 0 {
		r.logger.Debug("replaying deferred actions", "count", len(actions))
	}
	for _, a := range actions {
		if err := a(); err != nil {
			r.logger.Warn("deferred action failed on replay", "error", err)
			r.onError(err)
		}
	}
}

// newInvoker builds the invocation starter for one router entry. The target
// container is resolved at invocation time so handlers can be registered
// before their container.
func (r *Router) newInvoker(entry *routerEntry) entryInvoker {
	return func(ctx context.Context, event any) *inflight {
		inf := &inflight{done: make(chan error, 1)}
		child, ok := r.child(entry.key.container)
		if !ok {
			inf.em = &emitterCore{publish: func(any) {}}
			inf.done <- fmt.Errorf("%w: %q", ErrNotRegistered, entry.key.container)
			return inf
		}
		inf.em = child.newEmitterCore()
		go func() {
			inf.done <- r.safeCall(ctx, event, inf.em, entry)
		}()
		return inf
	}
}

func (r *Router) safeCall(ctx context.Context, event any, em *emitterCore, entry *routerEntry) (err error) {
	if r.recoveryEnabled {
		defer func() {
			if rec := recover(); rec != nil {
				err = &PanicError{Container: entry.key.container, Value: rec, Stack: debug.Stack()}
				r.logger.Warn("recovered router handler panic",
					"container", entry.key.container, "panic", rec)
			}
		}()
	}
	return entry.call(ctx, event, em)
}
