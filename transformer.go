package statekit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Transformer is a scheduling policy governing ordering, concurrency and
// cancellation of handler invocations for one registration. Every handler
// registered with WithTransformer owns an independent instance of the policy
// state machine, allocated at registration time and alive until the owning
// container or router closes; policies on different registrations never
// interact, even for the same event type.
//
// Cancellation, where a policy performs it, closes the superseded
// invocation's Emitter. It never interrupts handler code; it only suppresses
// the handler's ability to publish state afterward.
type Transformer interface {
	// spawn allocates the per-registration controller: a dedicated
	// submission channel plus the goroutine driving the policy.
	spawn(invoke entryInvoker) *controller
}

// submission is one event waiting to be scheduled by a policy. done is
// buffered so a policy can resolve a waiter without blocking.
type submission struct {
	ctx   context.Context
	event any
	done  chan error
}

// inflight is one started handler invocation: its cancellation handle (the
// emitter) and its completion channel.
type inflight struct {
	em   *emitterCore
	done chan error
}

// entryInvoker starts one handler invocation with a fresh emitter and
// returns without waiting for it.
type entryInvoker func(ctx context.Context, event any) *inflight

// controller owns the submission channel and goroutine of one policy
// instance.
type controller struct {
	in       chan submission
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func newController(run func(c *controller)) *controller {
	c := &controller{
		in:   make(chan submission),
		quit: make(chan struct{}),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		run(c)
	}()
	return c
}

// submit hands an event to the policy and waits for the resolution of this
// event's invocation: its handler error, nil when the policy discarded or
// superseded it, or ErrContainerClosed when the controller shut down first.
func (c *controller) submit(ctx context.Context, event any) error {
	done := make(chan error, 1)
	select {
	case <-c.quit:
		return ErrContainerClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.in <- submission{ctx: ctx, event: event, done: done}:
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		// Prefer a resolution that raced with shutdown.
		select {
		case err := <-done:
			return err
		default:
			return ErrContainerClosed
		}
	}
}

func (c *controller) close() {
	c.quitOnce.Do(func() { close(c.quit) })
	c.wg.Wait()
}

// drain fails every submission that made it into the channel before quit.
func (c *controller) drain() {
	for {
		select {
		case s := <-c.in:
			s.done <- ErrContainerClosed
		default:
			return
		}
	}
}

// Sequential runs invocations strictly one at a time in arrival order; an
// event arriving mid-invocation is queued.
//
// This is also the behavior of a registration with no transformer at all,
// with one difference: without a transformer, serialization only holds
// within a single Add call, while an explicit Sequential policy serializes
// across overlapping Add calls too.
func Sequential() Transformer { return sequentialPolicy{} }

type sequentialPolicy struct{}

func (sequentialPolicy) spawn(invoke entryInvoker) *controller {
	return newController(func(c *controller) {
		for {
			select {
			case <-c.quit:
				c.drain()
				return
			case s := <-c.in:
				inf := invoke(s.ctx, s.event)
				select {
				case err := <-inf.done:
					s.done <- err
				case <-c.quit:
					inf.em.close()
					s.done <- ErrContainerClosed
					c.drain()
					return
				}
			}
		}
	})
}

// Concurrent invokes every event immediately, independent of others in
// flight; there is no ordering guarantee on completion. An error in one
// invocation never affects its siblings.
func Concurrent() Transformer { return concurrentPolicy{} }

type concurrentPolicy struct{}

func (concurrentPolicy) spawn(invoke entryInvoker) *controller {
	return newController(func(c *controller) {
		for {
			select {
			case <-c.quit:
				c.drain()
				return
			case s := <-c.in:
				inf := invoke(s.ctx, s.event)
				go func(s submission, inf *inflight) {
					s.done <- <-inf.done
				}(s, inf)
			}
		}
	})
}

// Restartable abandons any in-flight invocation when a new event arrives:
// the old invocation's Emitter is closed, its waiter resolves nil, and a new
// invocation starts immediately.
func Restartable() Transformer { return restartablePolicy{} }

type restartablePolicy struct{}

func (restartablePolicy) spawn(invoke entryInvoker) *controller {
	return newController(func(c *controller) {
		var cur *inflight
		var curSub submission
		for {
			var curDone chan error
			if cur != nil {
				curDone = cur.done
			}
			select {
			case <-c.quit:
				if cur != nil {
					cur.em.close()
					curSub.done <- ErrContainerClosed
				}
				c.drain()
				return
			case err := <-curDone:
				curSub.done <- err
				cur = nil
			case s := <-c.in:
				if cur != nil {
					cur.em.close()
					curSub.done <- nil
				}
				cur = invoke(s.ctx, s.event)
				curSub = s
			}
		}
	})
}

// Droppable discards any event arriving while an invocation is in flight;
// the discarded event's waiter resolves nil. The next event is accepted only
// after the current invocation completes.
func Droppable() Transformer { return droppablePolicy{} }

type droppablePolicy struct{}

func (droppablePolicy) spawn(invoke entryInvoker) *controller {
	return newController(func(c *controller) {
		var cur *inflight
		var curSub submission
		for {
			var curDone chan error
			if cur != nil {
				curDone = cur.done
			}
			select {
			case <-c.quit:
				if cur != nil {
					curSub.done <- ErrContainerClosed
				}
				c.drain()
				return
			case err := <-curDone:
				curSub.done <- err
				cur = nil
			case s := <-c.in:
				if cur != nil {
					s.done <- nil
					continue
				}
				cur = invoke(s.ctx, s.event)
				curSub = s
			}
		}
	})
}

// Debounce invokes an event only after no newer event has arrived for the
// quiet period d. A newer event supersedes both a pending (not yet invoked)
// event and an in-flight invocation, whose Emitter is closed.
func Debounce(d time.Duration) Transformer { return debouncePolicy{d: d} }

type debouncePolicy struct {
	d time.Duration
}

func (p debouncePolicy) spawn(invoke entryInvoker) *controller {
	return newController(func(c *controller) {
		timer := time.NewTimer(p.d)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		var pending *submission
		var cur *inflight
		var curSub submission
		for {
			var curDone chan error
			if cur != nil {
				curDone = cur.done
			}
			select {
			case <-c.quit:
				if pending != nil {
					pending.done <- ErrContainerClosed
				}
				if cur != nil {
					cur.em.close()
					curSub.done <- ErrContainerClosed
				}
				c.drain()
				return
			case err := <-curDone:
				curSub.done <- err
				cur = nil
			case <-timer.C:
				if pending != nil {
					cur = invoke(pending.ctx, pending.event)
					curSub = *pending
					pending = nil
				}
			case s := <-c.in:
				if cur != nil {
					cur.em.close()
					curSub.done <- nil
					cur = nil
				}
				if pending != nil {
					pending.done <- nil
				}
				pending = &s
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.d)
			}
		}
	})
}

// Throttle invokes the first event in a window immediately and discards
// events arriving within d of the first accepted one; a new window opens
// once d has elapsed. Backed by a token bucket (limit 1/d, burst 1).
func Throttle(d time.Duration) Transformer { return throttlePolicy{d: d} }

type throttlePolicy struct {
	d time.Duration
}

func (p throttlePolicy) spawn(invoke entryInvoker) *controller {
	lim := rate.NewLimiter(rate.Every(p.d), 1)
	return newController(func(c *controller) {
		for {
			select {
			case <-c.quit:
				c.drain()
				return
			case s := <-c.in:
				if !lim.Allow() {
					s.done <- nil
					continue
				}
				inf := invoke(s.ctx, s.event)
				go func(s submission, inf *inflight) {
					s.done <- <-inf.done
				}(s, inf)
			}
		}
	})
}

// Compile-time interface checks
var (
	_ Transformer = sequentialPolicy{}
	_ Transformer = concurrentPolicy{}
	_ Transformer = restartablePolicy{}
	_ Transformer = droppablePolicy{}
	_ Transformer = debouncePolicy{}
	_ Transformer = throttlePolicy{}
)
