// Package store defines the shared key-value contract every courier process
// uses as the system of record for job status and partition budgets.
//
// The contract is deliberately small: opaque values with optional expiry,
// an atomic set-if-absent for deduplication, and bounded counters for
// cross-process partition limits.
//
//	type Store interface {
//	    Get(ctx, key) ([]byte, error)
//	    SetIfAbsent(ctx, key, value, ttl) (bool, error)
//	    Set(ctx, key, value, ttl) error
//	    IncrementBounded(ctx, key, max) (int64, error)
//	    Decrement(ctx, key) (int64, error)
//	    Ping(ctx) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/memory - in-process store for development and testing
//   - store/redis - Redis backend using go-redis/v9 and Lua scripts
//   - store/badger - embedded Badger backend for single-node deployments
//
// [Retrying] wraps any backend with a per-call timeout and bounded retries
// for idempotent operations.
//
// # Usage
//
//	import "github.com/xraph/courier/store/redis"
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := store.NewRetrying(redis.New(client), store.RetryOptions{Attempts: 3})
//
//	eng, err := engine.Build(cfg, s, caller)
//
// # Conformance
//
// storetest.Run exercises a backend against the full contract and is used
// by every backend's tests.
package store
