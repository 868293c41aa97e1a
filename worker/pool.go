package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/courier/dispatch"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
)

// Pool manages a fixed set of worker goroutines that take jobs from the
// work queue and execute them through the Executor once the dispatch table
// admits them.
type Pool struct {
	queue          *queue.Queue
	table          *dispatch.Table
	executor       *Executor
	concurrency    int
	dequeueTimeout time.Duration
	retryInterval  time.Duration
	workerID       id.ID
	logger         *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool

	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex

	// Retry timers, keyed by job ID.
	timers   map[string]*time.Timer
	timersMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithDequeueTimeout sets how long an idle worker blocks on an empty queue
// before checking for shutdown again.
func WithDequeueTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.dequeueTimeout = d }
}

// WithAdmissionRetryInterval sets how long a worker pauses once a full pass
// over the queue admitted nothing. A released slot ends the pause early.
func WithAdmissionRetryInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.retryInterval = d }
}

// NewPool creates a worker pool.
func NewPool(
	q *queue.Queue,
	table *dispatch.Table,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		queue:          q,
		table:          table,
		executor:       executor,
		concurrency:    8,
		dequeueTimeout: time.Second,
		retryInterval:  25 * time.Millisecond,
		workerID:       id.NewWorkerID(),
		logger:         logger,
		stopCh:         make(chan struct{}),
		activeJobs:     make(map[string]context.CancelFunc),
		timers:         make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.ID { return p.workerID }

// Running reports whether the pool has been started and not yet stopped.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Concurrency returns the number of worker goroutines.
func (p *Pool) Concurrency() int { return p.concurrency }

// PendingRetries returns the number of jobs waiting on a retry timer.
func (p *Pool) PendingRetries() int {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	return len(p.timers)
}

// Start launches the worker goroutines. It returns immediately. A pool
// cannot be restarted after Stop.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for in-flight attempts to
// finish. Pending retry timers are stopped; those jobs stay running in the
// store with their next attempt time. If ctx expires first, the contexts of
// in-flight attempts are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)
	p.stopTimers()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	// A retry timer may have fired while workers drained.
	p.stopTimers()
	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// denied counts consecutive denials. A pass over the whole queue that
	// admits nothing ends in a pause; a denial that only keeps a partition
	// in order does not, so the partition's oldest job is reached quickly.
	var (
		denied  int
		changed <-chan struct{}
	)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.queue.Dequeue(ctx, p.dequeueTimeout)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				p.logger.Error("dequeue error", slog.String("error", err.Error()))
			}
			denied = 0
			continue
		}

		if denied == 0 {
			changed = p.table.Changed()
		}
		admitted, err := p.table.TryAdmit(context.Background(), j)
		if err != nil {
			p.logger.Warn("admission check failed",
				slog.String("job_id", j.ID),
				slog.String("partition", j.PartitionKey),
				slog.String("error", err.Error()),
			)
			p.queue.Requeue(j)
			p.sleep(nil)
			denied = 0
			continue
		}
		if !admitted {
			p.queue.Requeue(j)
			if denied++; denied >= p.queue.Len() {
				p.sleep(changed)
				denied = 0
			}
			continue
		}
		denied = 0

		p.handle(j, p.execute(j))
	}
}

// execute runs one admitted attempt and always gives the slot back.
func (p *Pool) execute(j *job.Job) Outcome {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID, cancel)
	defer func() {
		p.untrackJob(j.ID)
		cancel()
		p.table.Release(context.WithoutCancel(ctx), j.PartitionKey)
	}()

	outcome, err := p.executor.Execute(ctx, j)
	if err != nil {
		p.logger.Debug("job attempt finished with error",
			slog.String("job_id", j.ID),
			slog.String("outcome", outcome.String()),
			slog.String("error", err.Error()),
		)
	}
	return outcome
}

func (p *Pool) handle(j *job.Job, outcome Outcome) {
	switch outcome {
	case OutcomeNotStarted:
		p.table.Track(j)
		p.queue.Requeue(j)
		p.sleep(nil)
	case OutcomeRetry:
		var delay time.Duration
		if j.NextAttemptAt != nil {
			delay = time.Until(*j.NextAttemptAt)
		}
		p.scheduleRetry(j, delay)
	}
}

// scheduleRetry puts j back on the queue after delay. j keeps its sequence
// number, so it goes back to the head of its partition.
func (p *Pool) scheduleRetry(j *job.Job, delay time.Duration) {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()

	select {
	case <-p.stopCh:
		p.logger.Info("pool stopping, retry not scheduled", slog.String("job_id", j.ID))
		return
	default:
	}

	p.timers[j.ID] = time.AfterFunc(max(delay, 0), func() {
		p.timersMu.Lock()
		_, ok := p.timers[j.ID]
		delete(p.timers, j.ID)
		p.timersMu.Unlock()
		if !ok {
			return
		}
		p.table.Track(j)
		p.queue.Requeue(j)
	})
}

func (p *Pool) stopTimers() {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()

	for jobID, t := range p.timers {
		t.Stop()
		delete(p.timers, jobID)
		p.logger.Info("retry timer stopped", slog.String("job_id", jobID))
	}
}

// sleep pauses for the admission retry interval, or until wake is closed
// or the pool stops.
func (p *Pool) sleep(wake <-chan struct{}) {
	if p.retryInterval <= 0 {
		return
	}
	t := time.NewTimer(p.retryInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-wake:
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
