package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamKey = "granary:events"

// RedisSink appends events to a Redis stream for external consumers.
type RedisSink struct {
	client *redis.Client
	key    string
	maxLen int64
}

var _ Sink = (*RedisSink)(nil)

// RedisOption customizes a RedisSink.
type RedisOption func(*RedisSink)

// WithStreamKey overrides the stream key events are appended to.
func WithStreamKey(key string) RedisOption {
	return func(s *RedisSink) { s.key = key }
}

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisSink) { s.maxLen = n }
}

// NewRedisSink connects to the given address and verifies the connection.
func NewRedisSink(ctx context.Context, addr string, opts ...RedisOption) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	s := &RedisSink{client: client, key: defaultStreamKey, maxLen: 10_000}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisSink) Send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":      e.ID,
			"type":    string(e.Type),
			"target":  string(e.Target),
			"payload": string(payload),
		},
	}).Err()
}

// Close releases the underlying connection.
func (s *RedisSink) Close() error { return s.client.Close() }
