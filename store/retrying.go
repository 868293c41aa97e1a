package store

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
)

// RetryOptions configures NewRetrying.
type RetryOptions struct {
	// Attempts is the total number of tries for a retried operation.
	Attempts int

	// Backoff computes the wait between tries. Defaults to exponential
	// with jitter from 50ms up to 1s.
	Backoff backoff.Strategy

	// Timeout bounds each individual round-trip. Zero disables it.
	Timeout time.Duration
}

// Retrying decorates a Store with per-call timeouts and retries.
//
// Get, Set, SetIfAbsent and Ping are retried while the error wraps
// courier.ErrStoreUnavailable. IncrementBounded and Decrement get the
// timeout but are tried once: a lost reply would otherwise leak or
// double-release budget. Their callers decide how to recover.
type Retrying struct {
	next Store
	opts RetryOptions
}

var _ Store = (*Retrying)(nil)

// NewRetrying wraps next.
func NewRetrying(next Store, opts RetryOptions) *Retrying {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewExponentialWithJitter(50*time.Millisecond, time.Second)
	}
	return &Retrying{next: next, opts: opts}
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store { return r.next }

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.retry(ctx, func(ctx context.Context) error {
		v, err := r.next.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

// SetIfAbsent retries are safe only because callers tag the value with a
// nonce and recognise their own earlier write on a false result.
func (r *Retrying) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var created bool
	err := r.retry(ctx, func(ctx context.Context) error {
		ok, err := r.next.SetIfAbsent(ctx, key, value, ttl)
		created = ok
		return err
	})
	return created, err
}

func (r *Retrying) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.retry(ctx, func(ctx context.Context) error {
		return r.next.Set(ctx, key, value, ttl)
	})
}

func (r *Retrying) IncrementBounded(ctx context.Context, key string, maxValue int64) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.next.IncrementBounded(ctx, key, maxValue)
}

func (r *Retrying) Decrement(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.next.Decrement(ctx, key)
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.retry(ctx, r.next.Ping)
}

func (r *Retrying) Close() error { return r.next.Close() }

func (r *Retrying) retry(ctx context.Context, fn func(context.Context) error) error {
	return backoff.Retry(ctx, r.opts.Backoff, r.opts.Attempts, IsUnavailable, func(ctx context.Context) error {
		ctx, cancel := r.bound(ctx)
		defer cancel()
		return fn(ctx)
	})
}

func (r *Retrying) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

// IsUnavailable reports whether err is a store availability failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, courier.ErrStoreUnavailable)
}
