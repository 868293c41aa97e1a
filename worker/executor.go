package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/caller"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/store"
)

// Outcome tells the pool what to do with a job after Execute returns.
type Outcome int

const (
	// OutcomeSucceeded means the job reached succeeded.
	OutcomeSucceeded Outcome = iota + 1
	// OutcomeRetry means the attempt failed and the job should be requeued
	// at j.NextAttemptAt.
	OutcomeRetry
	// OutcomeFailed means the job reached failed.
	OutcomeFailed
	// OutcomeNotStarted means the running state could not be persisted; the
	// job is unchanged and should be requeued.
	OutcomeNotStarted
	// OutcomeDropped means the job can no longer run, e.g. it is already
	// terminal.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeNotStarted:
		return "not_started"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackoff sets the delay strategy between attempts.
func WithBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// WithMiddleware sets the chain wrapped around every outbound call.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithCodec sets the encoding of job records in the store.
func WithCodec(c job.Codec) ExecutorOption {
	return func(e *Executor) { e.codec = c }
}

// WithRetention sets the TTL of job records.
func WithRetention(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.retention = d }
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock replaces time.Now for state timestamps.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor runs a single attempt of a job through the middleware chain and
// the caller, then records the result and decides on retries.
type Executor struct {
	store      store.Store
	caller     caller.Caller
	extensions *ext.Registry
	codec      job.Codec
	backoff    backoff.Strategy
	mw         middleware.Middleware
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(st store.Store, c caller.Caller, extensions *ext.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:      st,
		caller:     c,
		extensions: extensions,
		codec:      job.JSONCodec{},
		backoff:    backoff.DefaultStrategy(),
		mw:         middleware.Chain(),
		retention:  24 * time.Hour,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.extensions == nil {
		e.extensions = ext.NewRegistry(e.logger)
	}
	return e
}

// Execute performs one attempt of j. j must be admitted by the dispatch
// table; the caller releases the slot afterwards. The returned error is the
// attempt's or the store's error and is informational: the Outcome says
// what happens next.
func (e *Executor) Execute(ctx context.Context, j *job.Job) (Outcome, error) {
	next := j.Clone()
	if err := next.Transition(job.StateRunning, e.now()); err != nil {
		return OutcomeDropped, err
	}
	next.NextAttemptAt = nil

	if err := e.persist(ctx, next); err != nil {
		e.logger.Warn("could not mark job running",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return OutcomeNotStarted, err
	}
	*j = *next

	e.extensions.EmitJobStarted(ctx, j)

	j.Attempts++
	start := time.Now()
	err := e.mw(ctx, j, func(ctx context.Context) error {
		return e.caller.Call(ctx, j)
	})
	elapsed := time.Since(start)

	// The attempt's context may be gone after a forced shutdown; the
	// outcome is still written.
	ctx = context.WithoutCancel(ctx)

	if err == nil {
		return OutcomeSucceeded, e.handleSuccess(ctx, j, elapsed)
	}
	j.LastError = err.Error()

	if j.CanRetry() && !permanent(err) {
		return OutcomeRetry, errors.Join(err, e.scheduleRetry(ctx, j))
	}
	return OutcomeFailed, errors.Join(err, e.handleFailure(ctx, j, err))
}

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	j.LastError = ""
	_ = j.Transition(job.StateSucceeded, e.now())

	if err := e.persist(ctx, j); err != nil {
		e.logger.Error("failed to record job success",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobSucceeded(ctx, j, elapsed)
	return nil
}

// scheduleRetry keeps j running and stamps the time of the next attempt.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job) error {
	now := e.now()
	delay := e.backoff.Delay(j.Attempts)
	nextAttemptAt := now.Add(delay).UTC()

	_ = j.Transition(job.StateRunning, now)
	j.NextAttemptAt = &nextAttemptAt

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID),
		slog.String("partition", j.PartitionKey),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)

	// The retry happens even if this write is lost; the next attempt
	// rewrites the record.
	err := e.persist(ctx, j)
	if err != nil {
		e.logger.Error("failed to record job retry",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}

	e.extensions.EmitJobRetrying(ctx, j, j.Attempts, nextAttemptAt)
	return err
}

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, jobErr error) error {
	_ = j.Transition(job.StateFailed, e.now())

	e.logger.Warn("job failed",
		slog.String("job_id", j.ID),
		slog.String("partition", j.PartitionKey),
		slog.Int("attempts", j.Attempts),
		slog.String("error", jobErr.Error()),
	)

	if err := e.persist(ctx, j); err != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobFailed(ctx, j, jobErr)
	return nil
}

func (e *Executor) persist(ctx context.Context, j *job.Job) error {
	data, err := e.codec.Encode(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return e.store.Set(ctx, store.JobKey(j.ID), data, e.retention)
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, courier.ErrNoEndpoint) || errors.Is(err, courier.ErrValidation)
}
