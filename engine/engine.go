package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/caller"
	"github.com/xraph/courier/dispatch"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	mw "github.com/xraph/courier/middleware"
	"github.com/xraph/courier/observability"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/worker"
)

const instrumentationName = "github.com/xraph/courier"

// Engine owns the work queue, the dispatch table and the worker pool of a
// courier process.
type Engine struct {
	cfg        courier.Config
	store      store.Store
	codec      job.Codec
	queue      *queue.Queue
	table      *dispatch.Table
	pool       *worker.Pool
	extensions *ext.Registry
	bo         backoff.Strategy
	mws        []mw.Middleware
	logger     *slog.Logger
	now        func() time.Time

	// stopping rejects new submissions once Stop has begun.
	stopping atomic.Bool

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Applied after the logger option so the registry logs through it.
	pendingExtensions []ext.Extension
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. It is handed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.pendingExtensions = append(eng.pendingExtensions, e)
	}
}

// WithMiddleware adds middleware to the attempt chain. It runs inside the
// built-in recover, logging, tracing and metrics middleware and outside the
// call timeout.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy. If not set, exponential
// backoff with full jitter between Config.BackoffInitial and
// Config.BackoffMax is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for both the metrics
// middleware and the observability extension.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithClock replaces time.Now for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) { eng.now = now }
}

// Build creates an Engine over st that delivers jobs through c. The engine
// does not own st; closing it is the caller's job.
func Build(cfg courier.Config, st store.Store, c caller.Caller, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, courier.ErrNoStore
	}
	if c == nil {
		return nil, fmt.Errorf("%w: nil caller", courier.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng := &Engine{
		cfg:    cfg,
		store:  st,
		codec:  job.GetCodec(cfg.Codec),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(eng)
	}

	eng.extensions = ext.NewRegistry(eng.logger)
	for _, e := range eng.pendingExtensions {
		eng.extensions.Register(e)
	}
	eng.pendingExtensions = nil

	if eng.bo == nil {
		eng.bo = backoff.NewExponentialWithJitter(cfg.BackoffInitial, cfg.BackoffMax)
	}

	// Tracing and metrics use the configured providers, else the globals.
	var chainOpts []mw.DefaultOption
	if eng.tracerProvider != nil {
		chainOpts = append(chainOpts, mw.WithTracer(eng.tracerProvider.Tracer(instrumentationName)))
	}
	if eng.meterProvider != nil {
		chainOpts = append(chainOpts, mw.WithMeter(eng.meterProvider.Meter(instrumentationName)))
	}
	chainOpts = append(chainOpts, mw.WithUser(eng.mws...))

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter(instrumentationName + "/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	eng.queue = queue.New(cfg.QueueCapacity)
	eng.table = dispatch.New(st, cfg.PartitionMaxInFlight,
		dispatch.WithLogger(eng.logger),
		dispatch.WithPartitions(cfg.Partitions...),
	)

	executor := worker.NewExecutor(st, c, eng.extensions,
		worker.WithBackoff(eng.bo),
		worker.WithMiddleware(mw.Default(eng.logger, cfg.CallTimeout, chainOpts...)),
		worker.WithCodec(eng.codec),
		worker.WithRetention(cfg.Retention),
		worker.WithExecutorLogger(eng.logger),
		worker.WithClock(eng.now),
	)

	eng.pool = worker.NewPool(eng.queue, eng.table, executor, eng.logger,
		worker.WithPoolConcurrency(cfg.Workers),
		worker.WithDequeueTimeout(cfg.DequeueTimeout),
		worker.WithAdmissionRetryInterval(cfg.AdmissionRetryInterval),
	)

	return eng, nil
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	// Job is the newly queued job, or the stored one for a duplicate.
	Job *job.Job

	// Duplicate is set when a job with the same ID already existed.
	Duplicate bool
}

// Submit validates sub, records it in the store and queues it. A
// submission whose ID is already known returns the stored job with
// Duplicate set and queues nothing.
//
// Errors: courier.ErrValidation, courier.ErrQueueFull,
// courier.ErrStoreUnavailable and courier.ErrShuttingDown. A full queue or an unreachable store leaves
// no trace of the submission.
func (eng *Engine) Submit(ctx context.Context, sub job.Submission) (*SubmitResult, error) {
	if eng.stopping.Load() {
		return nil, courier.ErrShuttingDown
	}
	if err := sub.Validate(eng.cfg.MaxPayloadBytes); err != nil {
		return nil, err
	}

	jobID := sub.ID
	if jobID == "" {
		jobID = id.NewJobID().String()
	}

	// The slot is taken before the dedup record is written, so a full
	// queue never leaves a record nothing will run.
	res, err := eng.queue.Reserve()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			res.Cancel()
		}
	}()

	j := job.New(jobID, sub.PartitionKey, sub.Payload, eng.cfg.MaxAttempts, eng.now())
	j.SubmissionID = uuid.NewString()

	data, err := eng.codec.Encode(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", jobID, err)
	}
	existing, err := eng.claim(ctx, jobID, data)
	if err != nil {
		return nil, err
	}
	// A record carrying our own nonce is a retried write whose first reply
	// was lost, not a duplicate.
	if existing != nil && existing.SubmissionID != j.SubmissionID {
		eng.extensions.EmitJobDeduplicated(ctx, existing)
		eng.logger.Debug("duplicate submission",
			slog.String("job_id", jobID),
			slog.String("status", string(existing.State)),
		)
		return &SubmitResult{Job: existing, Duplicate: true}, nil
	}

	j.Seq = res.Seq()
	eng.table.Track(j)
	res.Commit(j)
	committed = true

	eng.extensions.EmitJobEnqueued(ctx, j)
	eng.logger.Debug("job enqueued",
		slog.String("job_id", jobID),
		slog.String("partition", j.PartitionKey),
	)
	return &SubmitResult{Job: j.Clone()}, nil
}

// claim writes data as the record of jobID unless one exists. It returns
// nil when the write happened, else the stored record. A record that
// expires between the write and the read is claimed again once.
func (eng *Engine) claim(ctx context.Context, jobID string, data []byte) (*job.Job, error) {
	for attempt := 0; ; attempt++ {
		created, err := eng.store.SetIfAbsent(ctx, store.JobKey(jobID), data, eng.cfg.Retention)
		if err != nil {
			return nil, err
		}
		if created {
			return nil, nil
		}

		existing, err := eng.Status(ctx, jobID)
		if errors.Is(err, courier.ErrJobNotFound) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		return existing, nil
	}
}

// Status returns the stored record of jobID. It fails with
// courier.ErrJobNotFound when the job is unknown or its retention expired.
func (eng *Engine) Status(ctx context.Context, jobID string) (*job.Job, error) {
	data, err := eng.store.Get(ctx, store.JobKey(jobID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", courier.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	j, err := eng.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return j, nil
}

// Cancel cancels a job that is still waiting in this process's queue. A
// job that has started, finished or is queued elsewhere fails with
// courier.ErrInvalidState.
func (eng *Engine) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	j, ok := eng.queue.Remove(jobID)
	if !ok {
		existing, err := eng.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %s is %s", courier.ErrInvalidState, jobID, existing.State)
	}

	if j.State != job.StatePending {
		// A retry waiting its turn; it has already started.
		eng.queue.Requeue(j)
		return nil, fmt.Errorf("%w: job %s is %s", courier.ErrInvalidState, jobID, j.State)
	}

	eng.table.Forget(j)
	cancelled := j.Clone()
	_ = cancelled.Transition(job.StateCancelled, eng.now())

	data, err := eng.codec.Encode(cancelled)
	if err == nil {
		err = eng.store.Set(ctx, store.JobKey(jobID), data, eng.cfg.Retention)
	}
	if err != nil {
		// Put it back untouched; the job stays pending.
		eng.table.Track(j)
		eng.queue.Requeue(j)
		return nil, err
	}

	eng.extensions.EmitJobCancelled(ctx, cancelled)
	eng.logger.Info("job cancelled",
		slog.String("job_id", jobID),
		slog.String("partition", j.PartitionKey),
	)
	return cancelled, nil
}

// Stats is a point-in-time view of the local process.
type Stats struct {
	QueueLength    int              `json:"queueLength"`
	QueueCapacity  int              `json:"queueCapacity"`
	Workers        int              `json:"workers"`
	PendingRetries int              `json:"pendingRetries"`
	Partitions     []dispatch.Stats `json:"partitions"`
}

// Stats returns queue, worker and partition counts.
func (eng *Engine) Stats() Stats {
	return Stats{
		QueueLength:    eng.queue.Len(),
		QueueCapacity:  eng.queue.Cap(),
		Workers:        eng.pool.Concurrency(),
		PendingRetries: eng.pool.PendingRetries(),
		Partitions:     eng.table.Snapshot(),
	}
}

// Ping checks that the shared store is reachable.
func (eng *Engine) Ping(ctx context.Context) error {
	return eng.store.Ping(ctx)
}

// Start begins job processing.
func (eng *Engine) Start(ctx context.Context) error {
	eng.logger.Info("courier engine starting",
		slog.String("worker_id", eng.pool.WorkerID().String()),
		slog.Int("workers", eng.cfg.Workers),
		slog.Int("queue_capacity", eng.cfg.QueueCapacity),
	)
	return eng.pool.Start(ctx)
}

// Stop rejects new submissions, lets the workers drain the queue for up to
// half of the time left on ctx, then stops the pool, waiting for in-flight
// attempts until ctx expires. Jobs still queued stay pending in the store.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.stopping.Store(true)
	eng.drain(ctx)

	err := eng.pool.Stop(ctx)
	eng.extensions.EmitShutdown(ctx)
	if n := eng.queue.Len(); n > 0 {
		eng.logger.Warn("engine stopped with queued jobs", slog.Int("queued", n))
	}
	return err
}

// drain waits for the queue to empty while the pool is running. Half of
// ctx's remaining time is kept for the attempts still in flight.
func (eng *Engine) drain(ctx context.Context) {
	if eng.queue.Len() == 0 || !eng.pool.Running() {
		return
	}
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.Now().Add(time.Until(deadline)/2))
		defer cancel()
	}

	eng.logger.Info("draining queue", slog.Int("queued", eng.queue.Len()))
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for eng.queue.Len() > 0 {
		select {
		case <-ctx.Done():
			eng.logger.Warn("queue drain cut short", slog.Int("queued", eng.queue.Len()))
			return
		case <-tick.C:
		}
	}
}

// Config returns the engine's configuration.
func (eng *Engine) Config() courier.Config { return eng.cfg }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Queue returns the work queue.
func (eng *Engine) Queue() *queue.Queue { return eng.queue }

// Table returns the dispatch table.
func (eng *Engine) Table() *dispatch.Table { return eng.table }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }
