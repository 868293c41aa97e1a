// Package storetest holds a conformance suite every store.Store backend
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/courier/store"
)

// Run exercises the store.Store contract against stores built by factory.
// Each subtest gets a fresh store.
func Run(t *testing.T, factory func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(context.Background(), "job:missing")
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("SetGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.Set(ctx, "job:a", []byte("one"), time.Hour); err != nil {
			t.Fatal(err)
		}
		if err := s.Set(ctx, "job:a", []byte("two"), time.Hour); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "job:a")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "two" {
			t.Errorf("Get = %q, want two", got)
		}
	})

	t.Run("SetIfAbsent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		ok, err := s.SetIfAbsent(ctx, "job:b", []byte("first"), time.Hour)
		if err != nil || !ok {
			t.Fatalf("first SetIfAbsent = %v, %v", ok, err)
		}
		ok, err = s.SetIfAbsent(ctx, "job:b", []byte("second"), time.Hour)
		if err != nil || ok {
			t.Fatalf("second SetIfAbsent = %v, %v", ok, err)
		}
		got, _ := s.Get(ctx, "job:b")
		if string(got) != "first" {
			t.Errorf("value overwritten: %q", got)
		}
	})

	t.Run("SetIfAbsentConcurrent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SetIfAbsent(ctx, "job:race", []byte(fmt.Sprint(i)), time.Hour)
				if err != nil {
					t.Error(err)
					return
				}
				if ok {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if winners != 1 {
			t.Errorf("winners = %d, want 1", winners)
		}
	})

	t.Run("IncrementBounded", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		key := store.InflightKey("p")

		for want := int64(1); want <= 2; want++ {
			got, err := s.IncrementBounded(ctx, key, 2)
			if err != nil {
				t.Fatal(err)
			}
			if got != want {
				t.Errorf("IncrementBounded = %d, want %d", got, want)
			}
		}
		if _, err := s.IncrementBounded(ctx, key, 2); !errors.Is(err, store.ErrBoundExceeded) {
			t.Fatalf("err = %v, want ErrBoundExceeded", err)
		}

		n, err := s.Decrement(ctx, key)
		if err != nil || n != 1 {
			t.Fatalf("Decrement = %d, %v; want 1", n, err)
		}
		if got, err := s.IncrementBounded(ctx, key, 2); err != nil || got != 2 {
			t.Fatalf("IncrementBounded after release = %d, %v", got, err)
		}
	})

	t.Run("IncrementBoundedConcurrent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		key := store.InflightKey("hot")

		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrementBounded(ctx, key, 5)
				if errors.Is(err, store.ErrBoundExceeded) {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				admitted++
				mu.Unlock()
			}()
		}
		wg.Wait()
		if admitted != 5 {
			t.Errorf("admitted = %d, want 5", admitted)
		}
	})

	t.Run("DecrementFloorsAtZero", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		key := store.InflightKey("empty")

		for i := 0; i < 2; i++ {
			n, err := s.Decrement(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			if n != 0 {
				t.Errorf("Decrement = %d, want 0", n)
			}
		}
		if got, err := s.IncrementBounded(ctx, key, 1); err != nil || got != 1 {
			t.Errorf("IncrementBounded after floor = %d, %v; want 1", got, err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := factory(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Fatal(err)
		}
	})
}
