package inspect

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient defines the Redis client operations the sink needs.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type RedisClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided.
var ErrClientRequired = errors.New("redis client is required")

// RedisSink appends entries to per-container Redis streams keyed
// "<stream>.<container>". With WithMaxLen set, streams are trimmed with
// approximate MAXLEN so they stay bounded.
type RedisSink struct {
	client RedisClient
	codec  Codec
	stream string
	maxLen int64
}

// NewRedisSink creates a sink over a pre-initialized Redis client.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	sink, _ := inspect.NewRedisSink(client, inspect.WithMaxLen(10000))
func NewRedisSink(client RedisClient, opts ...Option) (*RedisSink, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	o := newOptions(opts...)
	return &RedisSink{
		client: client,
		codec:  o.codec,
		stream: o.stream,
		maxLen: o.maxLen,
	}, nil
}

// Record encodes and appends one entry to the container's stream.
func (s *RedisSink) Record(ctx context.Context, e *Entry) error {
	data, err := s.codec.Encode(e)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: fmt.Sprintf("%s.%s", s.stream, e.Container),
		Values: map[string]any{
			"kind":  string(e.Kind),
			"codec": s.codec.Name(),
			"data":  data,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd entry: %w", err)
	}
	return nil
}

// Ping verifies connectivity to the Redis server.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Compile-time interface check
var _ Sink = (*RedisSink)(nil)
