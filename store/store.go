package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrBoundExceeded is returned by IncrementBounded when the increment
	// would push the counter past its maximum. The counter is unchanged.
	ErrBoundExceeded = errors.New("store: bound exceeded")
)

// Store is the shared state contract. Backends must make SetIfAbsent,
// IncrementBounded and Decrement atomic across every process sharing the
// backend. Transport or server failures are reported as errors wrapping
// courier.ErrStoreUnavailable, never as ErrNotFound.
type Store interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetIfAbsent stores value only if key does not exist and reports
	// whether it did. A ttl of zero means no expiry.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// IncrementBounded adds one to the counter at key unless the result
	// would exceed maxValue, and returns the new value.
	IncrementBounded(ctx context.Context, key string, maxValue int64) (int64, error)

	// Decrement subtracts one from the counter at key, never going below
	// zero, and returns the new value.
	Decrement(ctx context.Context, key string) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}
