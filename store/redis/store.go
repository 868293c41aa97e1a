package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/courier"
	"github.com/xraph/courier/store"
)

var _ store.Store = (*Store)(nil)

// incrementBounded returns -1 instead of incrementing past ARGV[1].
var incrementBounded = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v + 1 > tonumber(ARGV[1]) then
	return -1
end
return redis.call("INCR", KEYS[1])
`)

// decrementFloored never takes the counter below zero.
var decrementFloored = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v <= 0 then
	return 0
end
return redis.call("DECR", KEYS[1])
`)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements store.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return v, nil
}

// SetIfAbsent writes value with SET NX PX.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, prefixed(key), value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// Set writes value with SET PX.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, prefixed(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// IncrementBounded runs the bounded increment script.
func (s *Store) IncrementBounded(ctx context.Context, key string, maxValue int64) (int64, error) {
	n, err := incrementBounded.Run(ctx, s.client, []string{prefixed(key)}, maxValue).Int64()
	if err != nil {
		return 0, unavailable("increment", err)
	}
	if n < 0 {
		return maxValue, store.ErrBoundExceeded
	}
	return n, nil
}

// Decrement runs the floored decrement script.
func (s *Store) Decrement(ctx context.Context, key string) (int64, error) {
	n, err := decrementFloored.Run(ctx, s.client, []string{prefixed(key)}).Int64()
	if err != nil {
		return 0, unavailable("decrement", err)
	}
	return n, nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", courier.ErrStoreUnavailable, op, err)
}
