// Package memory implements store.Store in process memory. It is used by
// tests and by single-process deployments that do not need status to
// survive a restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/store"
)

var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithClock replaces time.Now, letting tests expire keys deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type entry struct {
	value   []byte
	expires time.Time
}

// Store is an in-memory store.Store. Safe for concurrent access. Expired
// keys are dropped lazily when touched.
type Store struct {
	mu       sync.Mutex
	entries  map[string]entry
	counters map[string]int64
	closed   bool
	now      func() time.Time
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]entry),
		counters: make(map[string]int64),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the value at key or store.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := s.lookup(key)
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// SetIfAbsent stores value unless a live key exists.
func (s *Store) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Set stores value at key.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	s.put(key, value, ttl)
	return nil
}

// IncrementBounded increments the counter at key up to maxValue.
func (s *Store) IncrementBounded(_ context.Context, key string, maxValue int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := s.counters[key]
	if n+1 > maxValue {
		return n, store.ErrBoundExceeded
	}
	n++
	s.counters[key] = n
	return n, nil
}

// Decrement decrements the counter at key, flooring at zero.
func (s *Store) Decrement(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := s.counters[key]
	if n > 0 {
		n--
	}
	if n == 0 {
		delete(s.counters, key)
	} else {
		s.counters[key] = n
	}
	return n, nil
}

// Ping fails only after Close.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpen()
}

// Close marks the store unavailable. Later calls fail with
// courier.ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Counter returns the current value of a counter.
func (s *Store) Counter(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.entries[key] = e
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("%w: memory store closed", courier.ErrStoreUnavailable)
	}
	return nil
}
