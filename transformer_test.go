package statekit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type tick struct {
	Seq int
}

type counterState struct {
	Value int
}

func newCounter(t *testing.T) *Container[counterState, any] {
	t.Helper()
	c := TestContainer[counterState, any]("counter", counterState{})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSequentialSerializesOverlappingAdds(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)

	var inflight, maxInflight, calls int32
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			max := atomic.LoadInt32(&maxInflight)
			if cur <= max || atomic.CompareAndSwapInt32(&maxInflight, max, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		atomic.AddInt32(&calls, 1)
		return nil
	}, WithTransformer(Sequential())); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Add(ctx, tick{Seq: i})
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Errorf("calls = %d, want 5", got)
	}
	if got := atomic.LoadInt32(&maxInflight); got != 1 {
		t.Errorf("max concurrent invocations = %d, want 1", got)
	}
}

func TestConcurrentOverlaps(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)

	var inflight, maxInflight int32
	start := make(chan struct{})
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			max := atomic.LoadInt32(&maxInflight)
			if cur <= max || atomic.CompareAndSwapInt32(&maxInflight, max, cur) {
				break
			}
		}
		<-start // hold every invocation open until all have begun
		atomic.AddInt32(&inflight, -1)
		return nil
	}, WithTransformer(Concurrent())); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Add(ctx, tick{Seq: i})
		}(i)
	}
	deadline := time.Now().Add(waitTimeoutMS * time.Millisecond)
	for atomic.LoadInt32(&maxInflight) < 3 {
		if time.Now().After(deadline) {
			close(start)
			t.Fatalf("invocations did not overlap, max = %d", atomic.LoadInt32(&maxInflight))
		}
		time.Sleep(time.Millisecond)
	}
	close(start)
	wg.Wait()
}

func TestConcurrentErrorIsolation(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)

	errBoom := errors.New("boom")
	release := make(chan struct{})
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		if ev.Seq == 1 {
			<-release
			return errBoom
		}
		emit.Emit(counterState{Value: ev.Seq})
		return nil
	}, WithTransformer(Concurrent())); err != nil {
		t.Fatalf("register: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Add(ctx, tick{Seq: 1}) }()
	time.Sleep(10 * time.Millisecond)

	// The sibling invocation runs and publishes while the first is still in
	// flight and about to fail.
	if err := c.Add(ctx, tick{Seq: 2}); err != nil {
		t.Fatalf("sibling add must not be affected: %v", err)
	}
	if got := c.State().Value; got != 2 {
		t.Errorf("state = %d, want 2 (sibling published)", got)
	}

	close(release)
	select {
	case err := <-errCh:
		if !errors.Is(err, errBoom) {
			t.Errorf("failing add must surface its own error, got %v", err)
		}
	case <-time.After(waitTimeoutMS * time.Millisecond):
		t.Fatal("failing add did not resolve")
	}
}

func TestRestartableSupersedesInflight(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)

	var calls int32
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		// A superseded invocation's emitter is closed, so this publish is
		// dropped for the first event and lands for the second.
		emit.Emit(counterState{Value: ev.Seq})
		return nil
	}, WithTransformer(Restartable())); err != nil {
		t.Fatalf("register: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Add(ctx, tick{Seq: 1}) }()
	time.Sleep(10 * time.Millisecond)
	if err := c.Add(ctx, tick{Seq: 2}); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("a superseded add must resolve nil, got %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2 (both invoked, first superseded)", got)
	}
	if got := c.State().Value; got != 2 {
		t.Errorf("state = %d, want 2 (first publish suppressed)", got)
	}
}

func TestDroppableDiscardsWhileInflight(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)

	var calls int32
	release := make(chan struct{})
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		atomic.AddInt32(&calls, 1)
		<-release
		emit.Emit(counterState{Value: ev.Seq})
		return nil
	}, WithTransformer(Droppable())); err != nil {
		t.Fatalf("register: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Add(ctx, tick{Seq: 1}) }()
	time.Sleep(10 * time.Millisecond)

	// Arrives while the first invocation holds the policy: dropped.
	if err := c.Add(ctx, tick{Seq: 2}); err != nil {
		t.Errorf("a dropped add must resolve nil, got %v", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first add: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if got := c.State().Value; got != 1 {
		t.Errorf("state = %d, want 1", got)
	}
}

func TestDebounceInvokesLastAfterQuiet(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)

	var calls int32
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		atomic.AddInt32(&calls, 1)
		emit.Emit(counterState{Value: ev.Seq})
		return nil
	}, WithTransformer(Debounce(50*time.Millisecond))); err != nil {
		t.Fatalf("register: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Add(ctx, tick{Seq: 1}) }()
	time.Sleep(10 * time.Millisecond)

	// Within the quiet period: supersedes the pending event, which resolves
	// nil; this call then waits out the full quiet period and the invocation.
	if err := c.Add(ctx, tick{Seq: 2}); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("a superseded pending add must resolve nil, got %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (only the last event invoked)", got)
	}
	if got := c.State().Value; got != 2 {
		t.Errorf("state = %d, want 2", got)
	}
}

func TestThrottleDropsWithinWindow(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)

	var calls int32
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		atomic.AddInt32(&calls, 1)
		emit.Emit(counterState{Value: ev.Seq})
		return nil
	}, WithTransformer(Throttle(200*time.Millisecond))); err != nil {
		t.Fatalf("register: %v", err)
	}

	// First event in the window is invoked immediately.
	if err := c.Add(ctx, tick{Seq: 1}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	// Still inside the window: discarded, resolves nil.
	if err := c.Add(ctx, tick{Seq: 2}); err != nil {
		t.Errorf("a throttled add must resolve nil, got %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if got := c.State().Value; got != 1 {
		t.Errorf("state = %d, want 1 (second event discarded)", got)
	}

	// A new window accepts the next event.
	time.Sleep(220 * time.Millisecond)
	if err := c.Add(ctx, tick{Seq: 3}); err != nil {
		t.Fatalf("add in new window: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestTransformerIndependentPerRegistration(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)

	// Two droppable registrations for the same event type: each owns its own
	// policy instance, so both invoke for a single event.
	var first, second int32
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		atomic.AddInt32(&first, 1)
		return nil
	}, WithTransformer(Droppable())); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		atomic.AddInt32(&second, 1)
		return nil
	}, WithTransformer(Droppable())); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := c.Add(ctx, tick{Seq: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if atomic.LoadInt32(&first) != 1 || atomic.LoadInt32(&second) != 1 {
		t.Errorf("both registrations must invoke, got first=%d second=%d",
			atomic.LoadInt32(&first), atomic.LoadInt32(&second))
	}
}

func TestTransformerControllerClose(t *testing.T) {
	ctx := context.Background()
	c := TestContainer[counterState, any]("counter", counterState{})

	release := make(chan struct{})
	if err := On(c, func(ctx context.Context, ev tick, emit *Emitter[counterState]) error {
		<-release
		return nil
	}, WithTransformer(Sequential())); err != nil {
		t.Fatalf("register: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Add(ctx, tick{Seq: 1}) }()
	time.Sleep(10 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)

	if !wait(closed, waitTimeoutMS) {
		t.Fatal("close did not complete")
	}
	select {
	case <-errCh:
	case <-time.After(waitTimeoutMS * time.Millisecond):
		t.Fatal("pending add did not resolve after close")
	}
}
