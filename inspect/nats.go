package inspect

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ErrConnRequired is returned when no NATS connection is provided.
var ErrConnRequired = errors.New("nats connection is required")

// NATSSink publishes entries to NATS subjects. Each entry goes to
// "<subject>.<container>.<kind>", so consumers can subscribe to a single
// container ("inspect.cart.>") or a single kind ("inspect.*.state").
//
// Delivery is fire-and-forget core NATS publishing; pair with JetStream on
// the consumer side when persistence matters.
type NATSSink struct {
	conn    *nats.Conn
	codec   Codec
	subject string
}

// NewNATSSink creates a sink over a pre-initialized NATS connection.
//
// Example:
//
//	nc, _ := nats.Connect(nats.DefaultURL)
//	sink, _ := inspect.NewNATSSink(nc, inspect.WithSubject("myapp.inspect"))
func NewNATSSink(conn *nats.Conn, opts ...Option) (*NATSSink, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	o := newOptions(opts...)
	return &NATSSink{
		conn:    conn,
		codec:   o.codec,
		subject: o.subject,
	}, nil
}

// Record encodes and publishes one entry.
func (s *NATSSink) Record(_ context.Context, e *Entry) error {
	data, err := s.codec.Encode(e)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s.%s", s.subject, e.Container, e.Kind)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish entry: %w", err)
	}
	return nil
}

// Compile-time interface check
var _ Sink = (*NATSSink)(nil)
