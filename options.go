package statekit

import "log/slog"

// options holds shared configuration for containers and routers (unexported).
type options struct {
	logger          *slog.Logger
	observer        Observer
	onError         func(error)
	tracingEnabled  bool
	recoveryEnabled bool
	metricsEnabled  bool
	streamBuffer    int
}

// Option configures a container or router.
type Option func(*options)

// DefaultStreamBuffer is the default per-subscriber state stream buffer size.
const DefaultStreamBuffer = 16

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:          slog.Default(),
		onError:         func(error) {},
		tracingEnabled:  true,
		recoveryEnabled: true,
		metricsEnabled:  true,
		streamBuffer:    DefaultStreamBuffer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver attaches a lifecycle observer. Hooks are fire-and-forget;
// compose multiple observers with Observers.
func WithObserver(ob Observer) Option {
	return func(o *options) {
		if ob != nil {
			o.observer = ob
		}
	}
}

// WithErrorHandler sets the callback that receives errors from calls that
// were deferred before a container/router binding existed and failed when
// replayed. The original caller has already returned by then, so replay
// failures cannot surface at the call site.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithTracing enables/disables OpenTelemetry tracing of the Add path.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithRecovery enables/disables panic recovery around handler bodies.
// Recovery should stay enabled in production; disable it in tests to get
// the original panic.
func WithRecovery(enabled bool) Option {
	return func(o *options) {
		o.recoveryEnabled = enabled
	}
}

// WithMetrics enables/disables OpenTelemetry metrics.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithStreamBuffer sets the per-subscriber buffer size of the state stream.
// When a subscriber falls behind, the oldest buffered value is conflated
// away so the latest state always gets through.
func WithStreamBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.streamBuffer = n
		}
	}
}

// handlerOptions holds per-handler configuration (unexported).
type handlerOptions struct {
	transformer         Transformer
	skipIfRouterHandles bool
	skipIfChildHandles  bool
}

// HandlerOption configures a single handler registration, on a container or
// on a router.
type HandlerOption func(*handlerOptions)

func newHandlerOptions(opts ...HandlerOption) *handlerOptions {
	o := &handlerOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTransformer sets the scheduling policy for this handler. Each
// registration owns an independent instance of the policy state machine;
// policies on different handlers never interact.
func WithTransformer(t Transformer) HandlerOption {
	return func(o *handlerOptions) {
		if t != nil {
			o.transformer = t
		}
	}
}

// SkipIfRouterHandles makes a container handler yield to the router: the
// handler is skipped whenever the bound router declares a handler for this
// (container, event type) route. The check is against declared presence, not
// against whether the router handler actually runs.
//
// Only meaningful on container registrations; ignored on router
// registrations.
func SkipIfRouterHandles() HandlerOption {
	return func(o *handlerOptions) {
		o.skipIfRouterHandles = true
	}
}

// SkipIfChildHandles makes a router handler yield to the child container:
// the handler is skipped whenever the child declares any handler for this
// exact event type, whether or not that handler itself ran.
//
// Combining SkipIfChildHandles on the router with SkipIfRouterHandles on the
// container makes both sides yield and the event is swallowed. Both skips
// are evaluated against declared presence, so this is a stable, documented
// outcome rather than a race.
//
// Only meaningful on router registrations; ignored on container
// registrations.
func SkipIfChildHandles() HandlerOption {
	return func(o *handlerOptions) {
		o.skipIfChildHandles = true
	}
}
