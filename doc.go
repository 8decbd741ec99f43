// Package statekit provides a hierarchical, event-driven state-update engine:
// typed state containers that process events into new state values, joined
// under a router that mediates precedence, cross-container dispatch and
// lifecycle.
//
// Architecture:
// - Generic containers with compile-time type safety: Container[S, E] holds state S and accepts events satisfying base E
// - Handlers are keyed by exact runtime event type and publish state through a single-use Emitter
// - Transformers schedule handler invocations: Sequential, Concurrent, Restartable, Droppable, Debounce, Throttle
// - A Router owns named containers; router-level handlers run after the container's own
// - Cross-container calls made before router registration are deferred and replayed in order
//
// Basic example:
//
//	type Cart struct {
//	    Items []string
//	}
//
//	type AddItem struct {
//	    SKU string
//	}
//
//	cart := statekit.New[Cart, any]("cart", Cart{})
//	defer cart.Close()
//
//	statekit.On(cart, func(ctx context.Context, ev AddItem, emit *statekit.Emitter[Cart]) error {
//	    cur := cart.State()
//	    emit.Emit(Cart{Items: append(cur.Items, ev.SKU)})
//	    return nil
//	})
//
//	sub, _ := cart.Subscribe()
//	defer sub.Close()
//
//	cart.Add(ctx, AddItem{SKU: "A-1"})
//
// Container and Router Options:
//   - WithLogger: set a structured logger.
//   - WithObserver: attach a lifecycle observer (see the inspect subpackage for sinks).
//   - WithErrorHandler: receive errors from deferred calls that fail on replay.
//   - WithTracing: enable/disable OpenTelemetry tracing. Default is true.
//   - WithRecovery: enable/disable panic recovery in handlers. Default is true.
//   - WithMetrics: enable/disable OpenTelemetry metrics. Default is true.
//   - WithStreamBuffer: per-subscriber state stream buffer size.
//
// Handler Options:
//   - WithTransformer: set the invocation scheduling policy for this handler.
//   - SkipIfRouterHandles: container handler yields when the router declares
//     a handler for the same route.
//   - SkipIfChildHandles: router handler yields when the container declares a
//     handler for the event type.
//
// Routing:
// Containers register under a router by name. Router-level handlers bind to a
// (container, event type) route and publish into that container's state:
//
//	r := statekit.NewRouter("shop")
//	defer r.Close()
//
//	statekit.RouterOn(r, "cart", func(ctx context.Context, ev Checkout, emit *statekit.Emitter[Cart]) error {
//	    emit.Emit(Cart{})
//	    return nil
//	})
//	r.Register(cart)
//
//	c, err := statekit.GetContainer[Cart, any](r, "cart")
//	state, err := statekit.GetState[Cart](r, "cart")
//
// When Router.Close() is called, every registered container is closed, all
// cross-container subscriptions are cancelled and state streams shut down.
//
// Type Safety:
// Handler event types are concrete and matched against the event's exact
// runtime type, so a handler for AddItem never sees other event types even
// when they satisfy a shared interface:
//
//	// This compiles - AddItem satisfies the event base
//	statekit.On(cart, func(ctx context.Context, ev AddItem, emit *statekit.Emitter[Cart]) error { ... })
//
//	// This fails at registration - interface event types are rejected
//	statekit.On(cart, func(ctx context.Context, ev any, emit *statekit.Emitter[Cart]) error { ... })
package statekit
