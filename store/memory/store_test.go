package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	if ok, err := s.SetIfAbsent(ctx, "job:a", []byte("v"), time.Minute); err != nil || !ok {
		t.Fatalf("SetIfAbsent = %v, %v", ok, err)
	}

	clock.Advance(59 * time.Second)
	if _, err := s.Get(ctx, "job:a"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := s.Get(ctx, "job:a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after expiry: err = %v, want ErrNotFound", err)
	}

	// An expired guard no longer blocks a new submission.
	if ok, err := s.SetIfAbsent(ctx, "job:a", []byte("w"), time.Minute); err != nil || !ok {
		t.Fatalf("SetIfAbsent after expiry = %v, %v", ok, err)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := New(WithClock(clock.Now))
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(1000 * time.Hour)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestValuesAreCopied(t *testing.T) {
	s := New()
	ctx := context.Background()

	buf := []byte("abc")
	if err := s.Set(ctx, "k", buf, 0); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'x'

	got, _ := s.Get(ctx, "k")
	got[1] = 'y'

	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated: %q", again)
	}
}

func TestClosedIsUnavailable(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	checks := map[string]error{
		"Get":  func() error { _, err := s.Get(ctx, "k"); return err }(),
		"Set":  s.Set(ctx, "k", nil, 0),
		"Ping": s.Ping(ctx),
		"Incr": func() error { _, err := s.IncrementBounded(ctx, "c", 1); return err }(),
		"Decr": func() error { _, err := s.Decrement(ctx, "c"); return err }(),
	}
	for name, err := range checks {
		if !errors.Is(err, courier.ErrStoreUnavailable) {
			t.Errorf("%s: err = %v, want ErrStoreUnavailable", name, err)
		}
		if errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s: unavailable must not look like not found", name)
		}
	}
}

func TestCounter(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.IncrementBounded(ctx, "c", 10)
	_, _ = s.IncrementBounded(ctx, "c", 10)
	if got := s.Counter("c"); got != 2 {
		t.Errorf("Counter = %d, want 2", got)
	}
}
