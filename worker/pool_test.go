package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/caller"
	"github.com/xraph/courier/dispatch"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/worker"
)

type testPool struct {
	pool  *worker.Pool
	store *memory.Store
	queue *queue.Queue
	table *dispatch.Table
}

func setupTestPool(t *testing.T, c caller.Caller, concurrency int, maxInFlight int64, opts ...worker.ExecutorOption) *testPool {
	t.Helper()
	return setupTestPoolWith(t, c, maxInFlight, []worker.PoolOption{
		worker.WithPoolConcurrency(concurrency),
		worker.WithAdmissionRetryInterval(time.Millisecond),
	}, opts...)
}

func setupTestPoolWith(t *testing.T, c caller.Caller, maxInFlight int64, poolOpts []worker.PoolOption, opts ...worker.ExecutorOption) *testPool {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	q := queue.New(1024)
	table := dispatch.New(s, maxInFlight, dispatch.WithLogger(logger))

	opts = append([]worker.ExecutorOption{
		worker.WithBackoff(backoff.NewConstant(5 * time.Millisecond)),
		worker.WithMiddleware(middleware.Recover(logger)),
	}, opts...)
	executor := worker.NewExecutor(s, c, ext.NewRegistry(logger), opts...)

	poolOpts = append([]worker.PoolOption{
		worker.WithDequeueTimeout(20 * time.Millisecond),
	}, poolOpts...)
	pool := worker.NewPool(q, table, executor, logger, poolOpts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return &testPool{pool: pool, store: s, queue: q, table: table}
}

func (tp *testPool) submit(t *testing.T, jobID, partition string, maxAttempts int) {
	t.Helper()
	j := job.New(jobID, partition, []byte(`{}`), maxAttempts, time.Now())
	res, err := tp.queue.Reserve()
	if err != nil {
		t.Fatalf("reserve %s: %v", jobID, err)
	}
	// Tracked before it becomes visible to workers.
	j.Seq = res.Seq()
	tp.table.Track(j)
	res.Commit(j)
}

// waitTerminal polls the store until jobID reaches a terminal state.
func (tp *testPool) waitTerminal(t *testing.T, jobID string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := tp.store.Get(context.Background(), store.JobKey(jobID))
		if err == nil {
			j, decodeErr := job.JSONCodec{}.Decode(data)
			if decodeErr != nil {
				t.Fatal(decodeErr)
			}
			if j.State.IsTerminal() {
				return j
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", jobID)
	return nil
}

func TestPool_StartStop(t *testing.T) {
	tp := setupTestPool(t, caller.Func(func(context.Context, *job.Job) error { return nil }), 2, 1)

	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tp.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := tp.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	tp := setupTestPool(t, caller.Func(func(context.Context, *job.Job) error { return nil }), 2, 1)
	tp.submit(t, "job-1", "p", 3)

	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := tp.waitTerminal(t, "job-1")
	if got.State != job.StateSucceeded {
		t.Errorf("state = %q, want %q", got.State, job.StateSucceeded)
	}
	if n := tp.store.Counter(store.InflightKey("p")); n != 0 {
		t.Errorf("in-flight counter = %d after completion, want 0", n)
	}
}

func TestPool_AlwaysFailingJobFailsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	tp := setupTestPool(t, caller.Func(func(context.Context, *job.Job) error {
		calls.Add(1)
		return fmt.Errorf("%w: 503", courier.ErrDownstreamCall)
	}), 2, 1)
	tp.submit(t, "job-1", "p", 3)

	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := tp.waitTerminal(t, "job-1")
	if got.State != job.StateFailed {
		t.Errorf("state = %q, want %q", got.State, job.StateFailed)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("outbound calls = %d, want 3", n)
	}
	if got.LastError == "" {
		t.Error("expected LastError to be set")
	}
}

func TestPool_TimeoutTimeoutSuccess(t *testing.T) {
	var calls atomic.Int32
	c := caller.Func(func(ctx context.Context, _ *job.Job) error {
		if calls.Add(1) <= 2 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	tp := setupTestPool(t, c, 1, 1, worker.WithMiddleware(middleware.Timeout(20*time.Millisecond)))
	tp.submit(t, "job-1", "p", 3)

	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := tp.waitTerminal(t, "job-1")
	if got.State != job.StateSucceeded {
		t.Errorf("state = %q, want %q", got.State, job.StateSucceeded)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
}

func TestPool_PartitionMaxOneSerializes(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	c := caller.Func(func(_ context.Context, j *job.Job) error {
		mu.Lock()
		events = append(events, "start:"+j.ID)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		events = append(events, "end:"+j.ID)
		mu.Unlock()
		return nil
	})
	tp := setupTestPool(t, c, 4, 1)
	tp.submit(t, "a", "p", 1)
	tp.submit(t, "b", "p", 1)

	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	tp.waitTerminal(t, "a")
	tp.waitTerminal(t, "b")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"start:a", "end:a", "start:b", "end:b"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestPool_InFlightNeverExceedsMax(t *testing.T) {
	const (
		maxInFlight = 2
		partitions  = 3
		perPart     = 10
	)

	var (
		mu       sync.Mutex
		current  = map[string]int{}
		observed = map[string]int{}
	)
	c := caller.Func(func(_ context.Context, j *job.Job) error {
		mu.Lock()
		current[j.PartitionKey]++
		if current[j.PartitionKey] > observed[j.PartitionKey] {
			observed[j.PartitionKey] = current[j.PartitionKey]
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		current[j.PartitionKey]--
		mu.Unlock()
		return nil
	})
	tp := setupTestPool(t, c, 8, maxInFlight)

	var ids []string
	for p := range partitions {
		for i := range perPart {
			jobID := fmt.Sprintf("p%d-%d", p, i)
			tp.submit(t, jobID, fmt.Sprintf("p%d", p), 1)
			ids = append(ids, jobID)
		}
	}

	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, jobID := range ids {
		if got := tp.waitTerminal(t, jobID); got.State != job.StateSucceeded {
			t.Errorf("%s: state = %q", jobID, got.State)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for p, n := range observed {
		if n > maxInFlight {
			t.Errorf("partition %s: observed %d concurrent attempts, max %d", p, n, maxInFlight)
		}
	}
	for p := range partitions {
		key := store.InflightKey(fmt.Sprintf("p%d", p))
		if n := tp.store.Counter(key); n != 0 {
			t.Errorf("%s = %d after drain, want 0", key, n)
		}
	}
}

func TestPool_PanicReleasesSlot(t *testing.T) {
	var calls atomic.Int32
	tp := setupTestPool(t, caller.Func(func(context.Context, *job.Job) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}), 1, 1)
	tp.submit(t, "job-1", "p", 2)

	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := tp.waitTerminal(t, "job-1")
	if got.State != job.StateSucceeded || got.Attempts != 2 {
		t.Errorf("state = %q, attempts = %d", got.State, got.Attempts)
	}
	if n := tp.store.Counter(store.InflightKey("p")); n != 0 {
		t.Errorf("in-flight counter = %d, want 0", n)
	}
}

func TestPool_StopCancelsRetryTimers(t *testing.T) {
	var calls atomic.Int32
	tp := setupTestPool(t, caller.Func(func(context.Context, *job.Job) error {
		calls.Add(1)
		return errors.New("down")
	}), 1, 1, worker.WithBackoff(backoff.NewConstant(time.Hour)))
	tp.submit(t, "job-1", "p", 3)

	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for tp.pool.PendingRetries() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry was never scheduled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tp.pool.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if n := tp.pool.PendingRetries(); n != 0 {
		t.Errorf("pending retries after stop = %d, want 0", n)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestPool_BacklogInOnePartitionDrainsQuickly(t *testing.T) {
	const backlog = 300

	var (
		mu    sync.Mutex
		order []string
	)
	c := caller.Func(func(_ context.Context, j *job.Job) error {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	})
	tp := setupTestPoolWith(t, c, 1, []worker.PoolOption{
		worker.WithPoolConcurrency(4),
		worker.WithAdmissionRetryInterval(25 * time.Millisecond),
	})

	var ids []string
	for i := range backlog {
		jobID := fmt.Sprintf("job-%03d", i)
		tp.submit(t, jobID, "busy", 1)
		ids = append(ids, jobID)
	}

	start := time.Now()
	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// One sleep per denied job would need well over a minute here.
	deadline := start.Add(15 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == backlog {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d jobs started after %v", n, backlog, time.Since(start))
		}
		time.Sleep(10 * time.Millisecond)
	}
	tp.waitTerminal(t, ids[backlog-1])
	t.Logf("drained %d jobs in %v", backlog, time.Since(start))

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != fmt.Sprint(ids) {
		t.Error("jobs of one partition did not start in submission order")
	}
}

func TestPool_IdlePartitionNotStarvedByBacklog(t *testing.T) {
	const backlog = 400

	quietStarted := make(chan time.Time, 1)
	c := caller.Func(func(_ context.Context, j *job.Job) error {
		if j.PartitionKey == "quiet" {
			quietStarted <- time.Now()
			return nil
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	tp := setupTestPoolWith(t, c, 1, []worker.PoolOption{
		worker.WithPoolConcurrency(4),
		worker.WithAdmissionRetryInterval(25 * time.Millisecond),
	})

	for i := range backlog {
		tp.submit(t, fmt.Sprintf("busy-%03d", i), "busy", 1)
	}
	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Let the workers settle into the backlog before the quiet job arrives.
	time.Sleep(50 * time.Millisecond)
	submitted := time.Now()
	tp.submit(t, "quiet-1", "quiet", 1)

	select {
	case at := <-quietStarted:
		if wait := at.Sub(submitted); wait > time.Second {
			t.Errorf("quiet partition waited %v behind the backlog", wait)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job in the quiet partition never started")
	}
}
