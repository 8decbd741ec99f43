package inspect

import (
	"log/slog"
	"time"
)

// options holds configuration shared by the observer adapter and the sinks.
type options struct {
	logger  *slog.Logger
	timeout time.Duration
	kinds   []Kind

	codec      Codec
	capacity   int
	subject    string
	stream     string
	maxLen     int64
	topic      string
	collection string
}

// Option configures the observer adapter or a sink.
type Option func(*options)

// Defaults
const (
	DefaultCapacity   = 1024
	DefaultSubject    = "inspect"
	DefaultStream     = "inspect"
	DefaultTopic      = "inspect"
	DefaultCollection = "inspect_entries"
)

func newOptions(opts ...Option) *options {
	o := &options{
		logger:     slog.Default(),
		codec:      Default(),
		capacity:   DefaultCapacity,
		subject:    DefaultSubject,
		stream:     DefaultStream,
		topic:      DefaultTopic,
		collection: DefaultCollection,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger used for best-effort failure reporting.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTimeout bounds each Record call made by the observer adapter.
// Default is 0 (no timeout).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithKinds restricts the observer adapter to the listed entry kinds.
// Default is all kinds.
func WithKinds(kinds ...Kind) Option {
	return func(o *options) {
		o.kinds = append(o.kinds, kinds...)
	}
}

// WithCodec sets the entry codec used by external sinks. Default is JSON.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithCapacity sets the MemorySink ring capacity.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithSubject sets the NATS subject prefix. Entries are published to
// "<subject>.<container>.<kind>".
func WithSubject(s string) Option {
	return func(o *options) {
		if s != "" {
			o.subject = s
		}
	}
}

// WithStream sets the Redis stream key prefix. Entries are appended to
// "<stream>.<container>".
func WithStream(s string) Option {
	return func(o *options) {
		if s != "" {
			o.stream = s
		}
	}
}

// WithMaxLen caps Redis stream length via approximate MAXLEN trimming.
// Default is 0 (unlimited).
func WithMaxLen(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLen = n
		}
	}
}

// WithTopic sets the Kafka topic for entries.
func WithTopic(s string) Option {
	return func(o *options) {
		if s != "" {
			o.topic = s
		}
	}
}

// WithCollection sets the MongoDB collection name.
func WithCollection(s string) Option {
	return func(o *options) {
		if s != "" {
			o.collection = s
		}
	}
}
