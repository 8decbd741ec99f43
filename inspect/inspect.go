// Package inspect provides engine inspection and observability sinks.
//
// The package adapts the engine's lifecycle notifications into Entry records
// and forwards them to a Sink. Delivery is strictly best-effort: a failing or
// slow sink is logged and never affects event processing.
//
// Example usage:
//
//	// Record lifecycle entries into a bounded in-memory ring
//	sink := inspect.NewMemorySink(inspect.WithCapacity(1024))
//
//	cart := statekit.New[Cart, any]("cart", Cart{},
//	    statekit.WithObserver(inspect.NewObserver(sink)),
//	)
//
//	// Query recorded entries
//	entries := sink.EntriesFor("cart")
package inspect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/statekit/statekit"
)

// Kind identifies the lifecycle notification an Entry records.
type Kind string

const (
	// KindCreated records container construction.
	KindCreated Kind = "created"

	// KindRegistered records a router taking ownership of a container.
	KindRegistered Kind = "registered"

	// KindEvent records an event accepted by a container.
	KindEvent Kind = "event"

	// KindState records a state value published by a container.
	KindState Kind = "state"

	// KindClosed records container shutdown.
	KindClosed Kind = "closed"
)

// Entry is a single inspection record.
type Entry struct {
	// ID is unique per entry.
	ID string `json:"id" msgpack:"id"`

	// Kind is the lifecycle notification this entry records.
	Kind Kind `json:"kind" msgpack:"kind"`

	// Container is the name of the container the notification concerns.
	Container string `json:"container" msgpack:"container"`

	// Router is the owning router's name; set only for KindRegistered.
	Router string `json:"router,omitempty" msgpack:"router,omitempty"`

	// PayloadType is the dynamic type of Payload (e.g. "main.AddItem").
	PayloadType string `json:"payload_type,omitempty" msgpack:"payload_type,omitempty"`

	// Payload is the event or state value; set for KindEvent and KindState.
	// It must be serializable by the configured codec when the sink encodes
	// entries.
	Payload any `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Time is when the notification was observed.
	Time time.Time `json:"time" msgpack:"time"`
}

// Sink persists inspection entries. Implementations must be safe for
// concurrent use; Record is called from the engine's dispatch path and should
// return quickly.
type Sink interface {
	// Record persists one entry.
	Record(ctx context.Context, e *Entry) error
}

// observer adapts lifecycle notifications into Entry records for a Sink.
type observer struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	kinds   map[Kind]bool // nil means all kinds
}

// NewObserver adapts a Sink into an engine observer. Record failures are
// logged at Warn and otherwise ignored.
func NewObserver(sink Sink, opts ...Option) statekit.Observer {
	if sink == nil {
		panic("inspect: sink is required for NewObserver")
	}
	o := newOptions(opts...)
	var kinds map[Kind]bool
	if len(o.kinds) > 0 {
		kinds = make(map[Kind]bool, len(o.kinds))
		for _, k := range o.kinds {
			kinds[k] = true
		}
	}
	return &observer{
		sink:    sink,
		logger:  o.logger.With("component", "inspect"),
		timeout: o.timeout,
		kinds:   kinds,
	}
}

func (o *observer) record(e *Entry) {
	if o.kinds != nil && !o.kinds[e.Kind] {
		return
	}
	e.ID = newEntryID()
	e.Time = time.Now()

	ctx := context.Background()
	var cancel context.CancelFunc
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if err := o.sink.Record(ctx, e); err != nil {
		o.logger.Warn("failed to record inspection entry",
			"kind", string(e.Kind), "container", e.Container, "error", err)
	}
}

func (o *observer) ContainerCreated(container string) {
	o.record(&Entry{Kind: KindCreated, Container: container})
}

func (o *observer) ContainerRegistered(container, router string) {
	o.record(&Entry{Kind: KindRegistered, Container: container, Router: router})
}

func (o *observer) EventReceived(container string, event any) {
	o.record(&Entry{
		Kind:        KindEvent,
		Container:   container,
		PayloadType: payloadType(event),
		Payload:     event,
	})
}

func (o *observer) StateChanged(container string, state any) {
	o.record(&Entry{
		Kind:        KindState,
		Container:   container,
		PayloadType: payloadType(state),
		Payload:     state,
	})
}

func (o *observer) ContainerClosed(container string) {
	o.record(&Entry{Kind: KindClosed, Container: container})
}

func payloadType(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%T", v)
}

func newEntryID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return ""
	}
	return u.String()
}

// Compile-time check that observer implements the engine observer interface.
var _ statekit.Observer = (*observer)(nil)
