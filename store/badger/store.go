// Package badger implements store.Store on an embedded Badger database.
// It suits single-node deployments that want job status to survive a
// restart without running Redis. Counters are decimal strings updated in
// serializable transactions; conflicting transactions are retried.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/store"
)

var _ store.Store = (*Store)(nil)

const conflictRetries = 50

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements store.Store backed by Badger.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	retry  backoff.Strategy
}

// Open opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func Open(dir string, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(dir)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("courier/badger: create data dir: %w", err)
	}
	// Badger's logger interface is not slog; keep it quiet.
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("courier/badger: open %q: %w", dir, err)
	}
	return New(db, opts...), nil
}

// New wraps an open database. Close closes it.
func New(db *badger.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		retry:  backoff.NewConstant(time.Millisecond),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the value at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return out, nil
}

// SetIfAbsent writes value unless a live key exists.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var created bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.SetEntry(entry(key, value, ttl))
	})
	if err != nil {
		return false, unavailable("set if absent", err)
	}
	return created, nil
}

// Set writes value at key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, value, ttl))
	})
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

// IncrementBounded increments the counter at key up to maxValue.
func (s *Store) IncrementBounded(ctx context.Context, key string, maxValue int64) (int64, error) {
	var n int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		cur, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		n = cur
		if cur+1 > maxValue {
			return store.ErrBoundExceeded
		}
		n = cur + 1
		return txn.Set([]byte(key), []byte(strconv.FormatInt(n, 10)))
	})
	if errors.Is(err, store.ErrBoundExceeded) {
		return n, err
	}
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return n, nil
}

// Decrement decrements the counter at key, flooring at zero.
func (s *Store) Decrement(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		cur, err := readCounter(txn, key)
		if err != nil {
			return err
		}
		n = max(cur-1, 0)
		return txn.Set([]byte(key), []byte(strconv.FormatInt(n, 10)))
	})
	if err != nil {
		return 0, unavailable("decrement", err)
	}
	return n, nil
}

// Ping fails once the database is closed.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return unavailable("ping", badger.ErrDBClosed)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	err := backoff.Retry(ctx, s.retry, conflictRetries, isConflict, func(context.Context) error {
		return s.db.Update(fn)
	})
	if isConflict(err) {
		s.logger.Warn("badger: transaction conflict persisted", slog.String("error", err.Error()))
	}
	return err
}

func isConflict(err error) bool {
	return errors.Is(err, badger.ErrConflict)
}

func readCounter(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(v []byte) error {
		n, err = strconv.ParseInt(string(v), 10, 64)
		return err
	})
	return n, err
}

func entry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: badger %s: %w", courier.ErrStoreUnavailable, op, err)
}
