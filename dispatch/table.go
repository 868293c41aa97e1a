package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"golang.org/x/time/rate"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store"
)

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used for release failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// WithPartitions installs per-partition overrides.
func WithPartitions(cfgs ...courier.PartitionConfig) Option {
	return func(t *Table) {
		for _, c := range cfgs {
			t.overrides[c.Name] = c
		}
	}
}

// WithReleaseRetry sets how a failed counter decrement is retried.
func WithReleaseRetry(attempts int, s backoff.Strategy) Option {
	return func(t *Table) {
		t.releaseAttempts = attempts
		t.releaseBackoff = s
	}
}

// partition is the runtime state of one partition in this process.
type partition struct {
	max     int64
	limiter *rate.Limiter

	// waiting holds the enqueue sequence numbers of tracked jobs.
	waiting *treeset.Set

	// active counts jobs admitted here and not yet released.
	active int
}

// Stats describes one partition at a point in time.
type Stats struct {
	Partition   string `json:"partition"`
	Waiting     int    `json:"waiting"`
	Active      int    `json:"active"`
	MaxInFlight int64  `json:"maxInFlight"`
}

// Table tracks waiting and running jobs per partition. It is safe for
// concurrent use.
type Table struct {
	store      store.Store
	defaultMax int64
	overrides  map[string]courier.PartitionConfig
	logger     *slog.Logger

	releaseAttempts int
	releaseBackoff  backoff.Strategy

	mu         sync.Mutex
	partitions map[string]*partition

	// changed is closed and replaced whenever a slot is released or a
	// waiting job is dropped.
	changed chan struct{}
}

// New creates a Table whose partitions default to defaultMax in-flight jobs.
func New(st store.Store, defaultMax int64, opts ...Option) *Table {
	t := &Table{
		store:           st,
		defaultMax:      defaultMax,
		overrides:       make(map[string]courier.PartitionConfig),
		logger:          slog.Default(),
		releaseAttempts: 5,
		releaseBackoff:  backoff.NewExponentialWithJitter(20*time.Millisecond, time.Second),
		partitions:      make(map[string]*partition),
		changed:         make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Track records j as waiting in its partition. Tracking an already tracked
// job is a no-op.
func (t *Table) Track(j *job.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partition(j.PartitionKey).waiting.Add(j.Seq)
}

// Forget drops a waiting job, e.g. after cancellation.
func (t *Table) Forget(j *job.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[j.PartitionKey]
	if !ok {
		return
	}
	p.waiting.Remove(j.Seq)
	t.cleanup(j.PartitionKey, p)
	t.notify()
}

// Changed returns a channel that is closed the next time a slot is
// released or a waiting job is forgotten. A job denied admission before
// that point may be admissible afterwards.
func (t *Table) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// notify wakes everything waiting on Changed. Caller holds t.mu.
func (t *Table) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// TryAdmit reports whether j may start now. On false the caller still owns
// j and should requeue it. An error means the shared counter could not be
// reached; j was not admitted.
func (t *Table) TryAdmit(ctx context.Context, j *job.Job) (bool, error) {
	t.mu.Lock()
	p := t.partition(j.PartitionKey)
	p.waiting.Add(j.Seq)

	it := p.waiting.Iterator()
	if !it.First() || it.Value().(uint64) != j.Seq {
		t.mu.Unlock()
		return false, nil
	}

	// Peek at the bucket; the token is only taken once the shared counter
	// admits the job. Only the head job can get here, so nothing else
	// drains the bucket in between.
	if p.limiter != nil && p.limiter.Tokens() < 1 {
		t.mu.Unlock()
		return false, nil
	}
	maxInFlight := p.max
	t.mu.Unlock()

	// j stays at the head of waiting while the store call is in flight, so
	// no other job of the partition can overtake it.
	_, err := t.store.IncrementBounded(ctx, store.InflightKey(j.PartitionKey), maxInFlight)
	if errors.Is(err, store.ErrBoundExceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	if p.limiter != nil {
		p.limiter.Allow()
	}
	p.waiting.Remove(j.Seq)
	p.active++
	t.mu.Unlock()
	return true, nil
}

// Release returns an admitted job's slot. A decrement that keeps failing
// is logged; the counter then stays one high until repaired.
func (t *Table) Release(ctx context.Context, partitionKey string) {
	err := backoff.Retry(ctx, t.releaseBackoff, t.releaseAttempts, store.IsUnavailable, func(ctx context.Context) error {
		_, err := t.store.Decrement(ctx, store.InflightKey(partitionKey))
		return err
	})
	if err != nil {
		t.logger.Error("dispatch: release in-flight slot failed",
			slog.String("partition", partitionKey),
			slog.String("error", err.Error()),
		)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.partitions[partitionKey]; ok {
		if p.active > 0 {
			p.active--
		}
		t.cleanup(partitionKey, p)
	}
	t.notify()
}

// Snapshot returns the state of every known partition, sorted by name.
func (t *Table) Snapshot() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stats, 0, len(t.partitions))
	for name, p := range t.partitions {
		out = append(out, Stats{
			Partition:   name,
			Waiting:     p.waiting.Size(),
			Active:      p.active,
			MaxInFlight: p.max,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Partition < out[k].Partition })
	return out
}

// Limit returns the effective MaxInFlight of a partition.
func (t *Table) Limit(partitionKey string) int64 {
	if o, ok := t.overrides[partitionKey]; ok && o.MaxInFlight > 0 {
		return o.MaxInFlight
	}
	return t.defaultMax
}

// partition returns the entry for name, creating it. Caller holds t.mu.
func (t *Table) partition(name string) *partition {
	if p, ok := t.partitions[name]; ok {
		return p
	}

	p := &partition{
		max:     t.Limit(name),
		waiting: treeset.NewWith(utils.UInt64Comparator),
	}
	if o, ok := t.overrides[name]; ok && o.RateLimit > 0 {
		burst := o.RateBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(o.RateLimit), burst)
	}
	t.partitions[name] = p
	return p
}

// cleanup drops an idle partition. Caller holds t.mu. Rate-limited
// partitions are kept so an idle gap cannot reset their bucket mid-burst.
func (t *Table) cleanup(name string, p *partition) {
	if p.waiting.Empty() && p.active == 0 && p.limiter == nil {
		delete(t.partitions, name)
	}
}
