// Package middleware provides composable middleware around each delivery
// attempt. Middleware wraps the outbound call synchronously and can observe
// or modify it (recover from panics, bound it in time, log, trace, etc.).
package middleware

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier/job"
)

// Handler is the terminal function performing one delivery attempt.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the job being attempted and the next handler. Middleware
// MUST call next to continue the chain unless it short-circuits with an
// error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper:
//
//	Chain(logging, recover, timeout) runs logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}

// DefaultOption adjusts the chain built by Default.
type DefaultOption func(*defaults)

type defaults struct {
	tracing Middleware
	metrics Middleware
	user    []Middleware
}

// WithTracer traces attempts with tracer instead of the global provider.
func WithTracer(tracer trace.Tracer) DefaultOption {
	return func(d *defaults) { d.tracing = TracingWithTracer(tracer) }
}

// WithMeter records attempt metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) DefaultOption {
	return func(d *defaults) { d.metrics = MetricsWithMeter(meter) }
}

// WithUser adds middleware between Metrics and Timeout.
func WithUser(mws ...Middleware) DefaultOption {
	return func(d *defaults) { d.user = append(d.user, mws...) }
}

// Default returns the chain the engine wraps around every attempt:
// Recover → Logging → Tracing → Metrics → user middleware → Timeout.
func Default(logger *slog.Logger, callTimeout time.Duration, opts ...DefaultOption) Middleware {
	d := &defaults{}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracing == nil {
		d.tracing = Tracing()
	}
	if d.metrics == nil {
		d.metrics = Metrics()
	}

	mws := []Middleware{Recover(logger), Logging(logger), d.tracing, d.metrics}
	mws = append(mws, d.user...)
	mws = append(mws, Timeout(callTimeout))
	return Chain(mws...)
}
