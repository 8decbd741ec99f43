package statekit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type checkout struct {
	OrderID string
}

type stockState struct {
	Count int
}

func newShop(t *testing.T, opts ...Option) (*Router, *Container[cartState, any]) {
	t.Helper()
	r := TestRouter("shop", opts...)
	t.Cleanup(func() { _ = r.Close() })
	cart := TestContainer[cartState, any]("cart", cartState{})
	return r, cart
}

func TestRouterHandler(t *testing.T) {
	ctx := context.Background()
	r, cart := newShop(t)

	if err := RouterOn(r, "cart", func(ctx context.Context, ev checkout, emit *Emitter[cartState]) error {
		emit.Emit(cartState{}) // empty the cart
		return nil
	}); err != nil {
		t.Fatalf("register router handler: %v", err)
	}
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := cart.Add(ctx, addItem{SKU: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := cart.Add(ctx, checkout{OrderID: "o-1"}); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if diff := cmp.Diff(cartState{}, cart.State()); diff != "" {
		t.Errorf("router handler did not publish into the container (-want +got):\n%s", diff)
	}
}

func TestRouterPrecedence(t *testing.T) {
	ctx := context.Background()
	r, cart := newShop(t)

	var order []string
	var mu sync.Mutex
	record := func(who string) {
		mu.Lock()
		order = append(order, who)
		mu.Unlock()
	}

	if err := On(cart, func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		record("container")
		return nil
	}); err != nil {
		t.Fatalf("register container handler: %v", err)
	}
	if err := RouterOn(r, "cart", func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		record("router")
		return nil
	}); err != nil {
		t.Fatalf("register router handler: %v", err)
	}
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := cart.Add(ctx, addItem{SKU: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if diff := cmp.Diff([]string{"container", "router"}, order); diff != "" {
		t.Errorf("container must handle before the router (-want +got):\n%s", diff)
	}
}

func TestRouterSkipIfRouterHandles(t *testing.T) {
	ctx := context.Background()
	r, cart := newShop(t)

	var containerRan, routerRan bool
	if err := On(cart, func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		containerRan = true
		return nil
	}, SkipIfRouterHandles()); err != nil {
		t.Fatalf("register container handler: %v", err)
	}
	if err := RouterOn(r, "cart", func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		routerRan = true
		return nil
	}); err != nil {
		t.Fatalf("register router handler: %v", err)
	}
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := cart.Add(ctx, addItem{SKU: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if containerRan {
		t.Error("container handler must yield when the router declares the route")
	}
	if !routerRan {
		t.Error("router handler did not run")
	}
}

func TestRouterSkipIfChildHandles(t *testing.T) {
	ctx := context.Background()
	r, cart := newShop(t)

	var containerRan, routerRan bool
	if err := On(cart, func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		containerRan = true
		return nil
	}); err != nil {
		t.Fatalf("register container handler: %v", err)
	}
	if err := RouterOn(r, "cart", func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		routerRan = true
		return nil
	}, SkipIfChildHandles()); err != nil {
		t.Fatalf("register router handler: %v", err)
	}
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := cart.Add(ctx, addItem{SKU: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !containerRan {
		t.Error("container handler did not run")
	}
	if routerRan {
		t.Error("router handler must yield when the container declares a handler")
	}
}

func TestRouterDoubleSkipSwallowsEvent(t *testing.T) {
	ctx := context.Background()
	r, cart := newShop(t)

	var containerRan, routerRan bool
	if err := On(cart, func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		containerRan = true
		return nil
	}, SkipIfRouterHandles()); err != nil {
		t.Fatalf("register container handler: %v", err)
	}
	if err := RouterOn(r, "cart", func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		routerRan = true
		return nil
	}, SkipIfChildHandles()); err != nil {
		t.Fatalf("register router handler: %v", err)
	}
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Both sides yield to the declared presence of the other, so neither
	// handler runs and the event is dropped without error.
	if err := cart.Add(ctx, addItem{SKU: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if containerRan || routerRan {
		t.Errorf("expected neither side to handle, got container=%v router=%v", containerRan, routerRan)
	}
}

func TestRouterDeferredDispatch(t *testing.T) {
	ctx := context.Background()
	r, cart := newShop(t)

	var got []string
	var mu sync.Mutex
	if err := On(cart, func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		mu.Lock()
		got = append(got, ev.SKU)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Dispatches before registration are recorded, not dropped.
	if err := r.Dispatch(ctx, "cart", addItem{SKU: "a"}); err != nil {
		t.Fatalf("deferred dispatch: %v", err)
	}
	if err := r.Dispatch(ctx, "cart", addItem{SKU: "b"}); err != nil {
		t.Fatalf("deferred dispatch: %v", err)
	}
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("deferred dispatch ran before registration, got %v", got)
	}

	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Errorf("deferred dispatches must replay in order (-want +got):\n%s", diff)
	}
}

func TestRouterDeferredReplayError(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var replayed []error
	r := TestRouter("shop", WithErrorHandler(func(err error) {
		mu.Lock()
		replayed = append(replayed, err)
		mu.Unlock()
	}))
	defer r.Close()

	errHandler := errors.New("handler failed")
	cart := TestContainer[cartState, any]("cart", cartState{})
	if err := On(cart, func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		return errHandler
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The caller of a deferred dispatch has already returned by the time it
	// replays, so its failure goes to the error handler instead.
	if err := r.Dispatch(ctx, "cart", addItem{SKU: "a"}); err != nil {
		t.Fatalf("deferred dispatch: %v", err)
	}
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(replayed) != 1 || !errors.Is(replayed[0], errHandler) {
		t.Errorf("expected the replay failure in the error handler, got %v", replayed)
	}
}

func TestContainerDeferredCalls(t *testing.T) {
	ctx := context.Background()
	r := TestRouter("shop")
	defer r.Close()

	cart := TestContainer[cartState, any]("cart", cartState{})
	stock := TestContainer[stockState, any]("stock", stockState{Count: 10})

	type reserve struct{ N int }
	if err := On(stock, func(ctx context.Context, ev reserve, emit *Emitter[stockState]) error {
		emit.Emit(stockState{Count: stock.State().Count - ev.N})
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Cross-container call before cart is bound to any router.
	if err := cart.Dispatch(ctx, "stock", reserve{N: 3}); err != nil {
		t.Fatalf("deferred dispatch: %v", err)
	}
	var seen []stockState
	var mu sync.Mutex
	sub, err := cart.SubscribeTo("stock", func(s any) {
		mu.Lock()
		seen = append(seen, s.(stockState))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("deferred subscribe: %v", err)
	}
	defer sub.Close()

	if err := r.Register(stock, cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := stock.State().Count; got != 7 {
		t.Errorf("deferred dispatch not replayed, stock count = %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("deferred subscription not realized")
	}
	if seen[0].Count != 7 {
		t.Errorf("subscription must replay current state first, got %+v", seen[0])
	}
}

func TestRouterGetContainerAndState(t *testing.T) {
	r, cart := newShop(t)
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := GetContainer[cartState, any](r, "cart")
	if err != nil {
		t.Fatalf("get container: %v", err)
	}
	if got != cart {
		t.Error("returned a different container")
	}

	if _, err := GetContainer[cartState, any](r, "missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := GetContainer[stockState, any](r, "cart"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}

	state, err := GetState[cartState](r, "cart")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if diff := cmp.Diff(cartState{}, state); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if _, err := GetState[stockState](r, "cart"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestRouterRegistrationErrors(t *testing.T) {
	r, cart := newShop(t)
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	dup := TestContainer[cartState, any]("cart", cartState{})
	defer dup.Close()
	if err := r.Register(dup); !errors.Is(err, ErrContainerExists) {
		t.Errorf("expected ErrContainerExists, got %v", err)
	}

	other := TestRouter("other")
	defer other.Close()
	if err := other.Register(cart); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("expected ErrAlreadyBound, got %v", err)
	}
}

func TestRouterOnStateTypeMismatch(t *testing.T) {
	r, cart := newShop(t)
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	// cart holds cartState, not stockState.
	err := RouterOn(r, "cart", func(ctx context.Context, ev checkout, emit *Emitter[stockState]) error {
		return nil
	})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch at registration, got %v", err)
	}

	// Registration order reversed: handler first, container later.
	r2 := TestRouter("shop2")
	defer r2.Close()
	if err := RouterOn(r2, "cart", func(ctx context.Context, ev checkout, emit *Emitter[stockState]) error {
		return nil
	}); err != nil {
		t.Fatalf("pre-registration handler should be accepted: %v", err)
	}
	c2 := TestContainer[cartState, any]("cart", cartState{})
	defer c2.Close()
	if err := r2.Register(c2); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch at Register, got %v", err)
	}
}

func TestRouterCloseCascades(t *testing.T) {
	ctx := context.Background()
	r := TestRouter("shop")
	cart := TestContainer[cartState, any]("cart", cartState{})
	if err := r.Register(cart); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub, err := cart.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-sub.States() // replay

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("close must be idempotent, got %v", err)
	}

	if cart.Running() {
		t.Error("container still running after router close")
	}
	if _, ok := <-sub.States(); ok {
		t.Error("state channel not closed after router close")
	}
	if err := r.Dispatch(ctx, "cart", addItem{SKU: "a"}); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("expected ErrRouterClosed, got %v", err)
	}
	if err := r.Register(TestContainer[cartState, any]("late", cartState{})); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("expected ErrRouterClosed from Register, got %v", err)
	}
}

func TestRouterContainers(t *testing.T) {
	r := TestRouter("shop")
	defer r.Close()
	cart := TestContainer[cartState, any]("cart", cartState{})
	stock := TestContainer[stockState, any]("stock", stockState{})
	if err := r.Register(stock, cart); err != nil {
		t.Fatalf("register: %v", err)
	}
	if diff := cmp.Diff([]string{"cart", "stock"}, r.Containers()); diff != "" {
		t.Errorf("container list mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterCrossContainerScenario(t *testing.T) {
	ctx := context.Background()
	r := TestRouter("shop")
	defer r.Close()

	cart := TestContainer[cartState, any]("cart", cartState{})
	stock := TestContainer[stockState, any]("stock", stockState{Count: 5})

	type reserve struct{ N int }
	if err := On(cart, func(ctx context.Context, ev addItem, emit *Emitter[cartState]) error {
		emit.Emit(cartState{Items: append(cart.State().Items, ev.SKU)})
		return cart.Dispatch(ctx, "stock", reserve{N: 1})
	}); err != nil {
		t.Fatalf("register cart handler: %v", err)
	}
	if err := On(stock, func(ctx context.Context, ev reserve, emit *Emitter[stockState]) error {
		emit.Emit(stockState{Count: stock.State().Count - ev.N})
		return nil
	}); err != nil {
		t.Fatalf("register stock handler: %v", err)
	}
	if err := r.Register(cart, stock); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := cart.Add(ctx, addItem{SKU: "s"}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if got := len(cart.State().Items); got != 3 {
		t.Errorf("cart items = %d, want 3", got)
	}
	if got := stock.State().Count; got != 2 {
		t.Errorf("stock count = %d, want 2", got)
	}
}
