package statekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	statusRunning = 1
	statusStopped = 0
)

// meterName is the instrumentation scope for engine metrics.
const meterName = "statekit"

// Handler processes one event for a container with state type S. The emitter
// publishes new state values; it is single-use and owned by this invocation.
//
// Returning an error propagates it to the caller awaiting Add or Dispatch.
type Handler[S any, E any] func(ctx context.Context, event E, emit *Emitter[S]) error

// Child is the untyped view of a container that a Router owns and routes to.
// Containers are created with New; this interface cannot be implemented
// outside the package.
type Child interface {
	// Name returns the container's unique name under its router.
	Name() string

	// Close releases the container: transformer controllers stop, the state
	// stream closes, and further mutating calls fail. Idempotent.
	Close() error

	bind(r *Router) error
	registered(router string)
	addAny(ctx context.Context, event any) error
	watchAny(fn func(any)) (Subscription, error)
	hasHandlerFor(t reflect.Type) bool
	stateType() reflect.Type
	stateAny() any
	newEmitterCore() *emitterCore
}

// Container owns one state value of type S, a replay-latest state stream,
// and a registry of event handlers keyed by exact event type. E is the
// declared event base type; events routed to the container at runtime must
// satisfy it.
//
// A container optionally binds to exactly one Router for its lifetime.
// Cross-container calls made before the binding exists are recorded and
// replayed, in order, when the binding completes.
type Container[S any, E any] struct {
	name            string
	id              string
	status          int32
	logger          *slog.Logger
	observer        Observer
	onError         func(error)
	tracingEnabled  bool
	recoveryEnabled bool
	metricsEnabled  bool

	mu       sync.RWMutex
	handlers map[reflect.Type][]*handlerEntry
	ctrls    []*controller
	router   *Router // non-owning back-reference, set exactly once

	stream   *stream[S]
	deferred *deferredQueue
	evBase   reflect.Type

	eventsReceived metric.Int64Counter
	statesEmitted  metric.Int64Counter
}

// handlerEntry is one registered handler plus its precedence and scheduling
// configuration. Entries are immutable after registration.
type handlerEntry struct {
	eventType    reflect.Type
	skipIfRouter bool
	ctrl         *controller // nil when no transformer is configured
	invoke       entryInvoker
}

// New creates a container named name holding initial as its first state
// value. S is the state type and E the event base type; handlers are added
// with On.
func New[S any, E any](name string, initial S, opts ...Option) *Container[S, E] {
	o := newOptions(opts...)
	logger := o.logger.With("component", "container>"+name)

	c := &Container[S, E]{
		name:            name,
		id:              NewID(),
		status:          statusRunning,
		logger:          logger,
		observer:        o.observer,
		onError:         o.onError,
		tracingEnabled:  o.tracingEnabled,
		recoveryEnabled: o.recoveryEnabled,
		metricsEnabled:  o.metricsEnabled,
		handlers:        make(map[reflect.Type][]*handlerEntry),
		evBase:          reflect.TypeOf((*E)(nil)).Elem(),
	}
	c.stream = newStream[S](initial, o.streamBuffer, logger)
	c.deferred = newDeferredQueue(o.onError, logger)

	if c.metricsEnabled {
		meter := otel.Meter(meterName)
		c.eventsReceived, _ = meter.Int64Counter("statekit.events.received",
			metric.WithDescription("Total number of events accepted by containers"))
		c.statesEmitted, _ = meter.Int64Counter("statekit.states.emitted",
			metric.WithDescription("Total number of state values published by containers"))
	}

	if ob := c.observer; ob != nil {
		notifyObserver(logger, func() { ob.ContainerCreated(name) })
	}
	logger.Debug("container created", "state_type", c.stateType().String(), "event_base", c.evBase.String())
	return c
}

// On registers a handler on c for the concrete event type T. The type key is
// resolved here, at registration time; dispatch later matches the event's
// runtime type exactly, so a handler for T never sees values of other types
// even when they satisfy a common interface.
//
// Handlers for the same event type run in registration order.
func On[S any, E any, T any](c *Container[S, E], handler Handler[S, T], opts ...HandlerOption) error {
	if handler == nil {
		return ErrNilHandler
	}
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return fmt.Errorf("%w: handler event type must be concrete, got interface", ErrTypeMismatch)
	}
	if !t.AssignableTo(c.evBase) {
		return fmt.Errorf("%w: %v does not satisfy event base %v", ErrTypeMismatch, t, c.evBase)
	}

	o := newHandlerOptions(opts...)
	entry := &handlerEntry{
		eventType:    t,
		skipIfRouter: o.skipIfRouterHandles,
	}
	entry.invoke = c.newInvoker(func(ctx context.Context, event any, em *Emitter[S]) error {
		return handler(ctx, event.(T), em)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running() {
		return fmt.Errorf("%w: %q", ErrContainerClosed, c.name)
	}
	if o.transformer != nil {
		entry.ctrl = o.transformer.spawn(entry.invoke)
		c.ctrls = append(c.ctrls, entry.ctrl)
	}
	c.handlers[t] = append(c.handlers[t], entry)
	c.logger.Debug("registered handler", "event_type", t.String(), "skip_if_router", entry.skipIfRouter)
	return nil
}

// Name returns the container name.
func (c *Container[S, E]) Name() string { return c.name }

// ID returns the container instance ID.
func (c *Container[S, E]) ID() string { return c.id }

// Running returns true until Close.
func (c *Container[S, E]) Running() bool { return c.running() }

func (c *Container[S, E]) running() bool {
	return atomic.LoadInt32(&c.status) == statusRunning
}

// State returns the current state value.
func (c *Container[S, E]) State() S { return c.stream.current() }

// Add submits an event to the container. Handlers registered for the
// event's exact runtime type run in registration order, each through its
// transformer when one is configured; a handler flagged SkipIfRouterHandles
// yields when the bound router declares a handler for this route. After
// local handling the bound router is notified unconditionally (or the
// notification is deferred until binding).
//
// Add returns when every invocation it is responsible for has resolved;
// handler errors are joined. Two overlapping Add calls are not serialized
// against each other unless a handler's transformer does so.
func (c *Container[S, E]) Add(ctx context.Context, event E) error {
	return c.addAny(ctx, event)
}

func (c *Container[S, E]) addAny(ctx context.Context, event any) error {
	if !c.running() {
		return fmt.Errorf("%w: %q", ErrContainerClosed, c.name)
	}
	if event == nil {
		return fmt.Errorf("%w: container %q", ErrNilEvent, c.name)
	}
	t := reflect.TypeOf(event)
	if !t.AssignableTo(c.evBase) {
		return fmt.Errorf("%w: %v is not a %v event", ErrTypeMismatch, t, c.evBase)
	}

	eventID := NewID()
	ctx = contextWithDispatch(ctx, c.name, eventID, c.logger)

	if c.tracingEnabled {
		tracer := otel.Tracer(c.name)
		var span trace.Span
		ctx, span = tracer.Start(ctx, fmt.Sprintf("%s.add", c.name),
			trace.WithAttributes(
				attribute.String("event.id", eventID),
				attribute.String("event.type", t.String()),
				attribute.String("container.name", c.name)),
			trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
	}
	if c.eventsReceived != nil {
		c.eventsReceived.Add(ctx, 1, metric.WithAttributes(
			attribute.String("container", c.name),
			attribute.String("event.type", t.String())))
	}
	if ob := c.observer; ob != nil {
		notifyObserver(c.logger, func() { ob.EventReceived(c.name, event) })
	}

	c.mu.RLock()
	entries := append([]*handlerEntry(nil), c.handlers[t]...)
	r := c.router
	c.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		if e.skipIfRouter && r != nil && r.hasRoute(c.name, t) {
			c.logger.Debug("handler yielded to router", "event_type", t.String())
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

	// The router learns about the event regardless of local skips or
	// handler failures.
	if err := c.deferred.do(func(r *Router) error {
		return r.childEvent(ctx, c, t, event)
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Subscribe opens a channel subscription on the state stream. The current
// state is delivered before any future change.
func (c *Container[S, E]) Subscribe() (*StateSub[S], error) {
	if !c.running() {
		return nil, fmt.Errorf("%w: %q", ErrContainerClosed, c.name)
	}
	return c.stream.subscribe()
}

// Watch registers a synchronous callback on the state stream. The current
// state is replayed into fn before Watch returns.
func (c *Container[S, E]) Watch(fn func(S)) (Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	if !c.running() {
		return nil, fmt.Errorf("%w: %q", ErrContainerClosed, c.name)
	}
	return c.stream.watch(fn)
}

// Dispatch addresses an event to the named sibling container through the
// bound router. Before binding, the call is recorded and replayed once the
// container is registered; a failure at replay time reaches the
// WithErrorHandler callback.
func (c *Container[S, E]) Dispatch(ctx context.Context, target string, event any) error {
	if !c.running() {
		return fmt.Errorf("%w: %q", ErrContainerClosed, c.name)
	}
	return c.deferred.do(func(r *Router) error {
		return r.Dispatch(ctx, target, event)
	})
}

// SubscribeTo observes the state stream of the named sibling container
// through the bound router, with the same deferred-binding behavior as
// Dispatch. The callback receives the sibling's current state first.
func (c *Container[S, E]) SubscribeTo(target string, fn func(any)) (Subscription, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	if !c.running() {
		return nil, fmt.Errorf("%w: %q", ErrContainerClosed, c.name)
	}

	c.mu.RLock()
	r := c.router
	c.mu.RUnlock()
	if r != nil {
		return r.SubscribeTo(target, fn)
	}

	ds := newDeferredSub()
	_ = c.deferred.do(func(r *Router) error {
		sub, err := r.SubscribeTo(target, fn)
		if err != nil {
			return err
		}
		ds.resolve(sub)
		return nil
	})
	return ds, nil
}

// Close releases the container: transformer controllers stop, the state
// stream closes, and further mutating calls fail. Idempotent.
func (c *Container[S, E]) Close() error {
	if !atomic.CompareAndSwapInt32(&c.status, statusRunning, statusStopped) {
		return nil
	}
	c.mu.Lock()
	ctrls := c.ctrls
	c.ctrls = nil
	c.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.close()
	}
	c.stream.close()
	if ob := c.observer; ob != nil {
		notifyObserver(c.logger, func() { ob.ContainerClosed(c.name) })
	}
	c.logger.Debug("container closed")
	return nil
}

// bind sets the router back-reference, exactly once, and replays the
// deferred queue in original call order.
func (c *Container[S, E]) bind(r *Router) error {
	c.mu.Lock()
	if c.router != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyBound, c.name)
	}
	c.router = r
	c.mu.Unlock()
	c.deferred.bind(r)
	return nil
}

func (c *Container[S, E]) registered(router string) {
	if ob := c.observer; ob != nil {
		notifyObserver(c.logger, func() { ob.ContainerRegistered(c.name, router) })
	}
	c.logger.Debug("registered under router", "router", router)
}

func (c *Container[S, E]) watchAny(fn func(any)) (Subscription, error) {
	if !c.running() {
		return nil, fmt.Errorf("%w: %q", ErrContainerClosed, c.name)
	}
	return c.stream.watch(func(s S) { fn(s) })
}

func (c *Container[S, E]) hasHandlerFor(t reflect.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[t]) > 0
}

func (c *Container[S, E]) stateType() reflect.Type {
	return reflect.TypeOf((*S)(nil)).Elem()
}

func (c *Container[S, E]) stateAny() any { return c.stream.current() }

// newEmitterCore allocates the publish sink for one handler invocation.
func (c *Container[S, E]) newEmitterCore() *emitterCore {
	return &emitterCore{publish: func(v any) { c.publishState(v.(S)) }}
}

func (c *Container[S, E]) publishState(s S) {
	if !c.running() {
		c.logger.Debug("dropping state publish, container closed")
		return
	}
	c.stream.send(s)
	if c.statesEmitted != nil {
		c.statesEmitted.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("container", c.name)))
	}
	if ob := c.observer; ob != nil {
		notifyObserver(c.logger, func() { ob.StateChanged(c.name, s) })
	}
}

// newInvoker builds the invocation starter for one handler entry, wrapping
// the typed handler call with a fresh emitter and panic recovery.
func (c *Container[S, E]) newInvoker(call func(ctx context.Context, event any, em *Emitter[S]) error) entryInvoker {
	return func(ctx context.Context, event any) *inflight {
		inf := &inflight{em: c.newEmitterCore(), done: make(chan error, 1)}
		go func() {
			inf.done <- c.safeCall(ctx, event, inf.em, call)
		}()
		return inf
	}
}

func (c *Container[S, E]) safeCall(ctx context.Context, event any, em *emitterCore, call func(context.Context, any, *Emitter[S]) error) (err error) {
	if c.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Container: c.name, Value: r, Stack: debug.Stack()}
				c.logger.Warn("recovered handler panic", "panic", r)
			}
		}()
	}
	return call(ctx, event, &Emitter[S]{core: em})
}

// Compile-time interface check
var _ Child = (*Container[int, any])(nil)
