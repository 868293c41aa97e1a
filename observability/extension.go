package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*MetricsExtension)(nil)
	_ ext.JobEnqueued     = (*MetricsExtension)(nil)
	_ ext.JobDeduplicated = (*MetricsExtension)(nil)
	_ ext.JobSucceeded    = (*MetricsExtension)(nil)
	_ ext.JobRetrying     = (*MetricsExtension)(nil)
	_ ext.JobFailed       = (*MetricsExtension)(nil)
	_ ext.JobCancelled    = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/courier/observability"

// MetricsExtension records job lifecycle counters through OpenTelemetry.
// Every instrument carries a partition attribute.
type MetricsExtension struct {
	JobEnqueued     metric.Int64Counter
	JobDeduplicated metric.Int64Counter
	JobSucceeded    metric.Int64Counter
	JobRetried      metric.Int64Counter
	JobFailed       metric.Int64Counter
	JobCancelled    metric.Int64Counter

	// JobLatency is the time from submission to a terminal outcome.
	JobLatency metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On error the API hands back noop instruments.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	latency, _ := meter.Float64Histogram("courier.job.latency",
		metric.WithDescription("Time from submission to a terminal outcome in seconds"),
		metric.WithUnit("s"),
	)

	return &MetricsExtension{
		JobEnqueued:     counter("courier.job.enqueued", "Jobs accepted and queued"),
		JobDeduplicated: counter("courier.job.deduplicated", "Submissions answered with an existing job"),
		JobSucceeded:    counter("courier.job.succeeded", "Jobs delivered successfully"),
		JobRetried:      counter("courier.job.retried", "Attempts that failed and were rescheduled"),
		JobFailed:       counter("courier.job.failed", "Jobs that ran out of attempts"),
		JobCancelled:    counter("courier.job.cancelled", "Jobs cancelled before their first attempt"),
		JobLatency:      latency,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.JobEnqueued.Add(ctx, 1, partition(j))
	return nil
}

// OnJobDeduplicated implements ext.JobDeduplicated.
func (m *MetricsExtension) OnJobDeduplicated(ctx context.Context, j *job.Job) error {
	m.JobDeduplicated.Add(ctx, 1, partition(j))
	return nil
}

// OnJobSucceeded implements ext.JobSucceeded.
func (m *MetricsExtension) OnJobSucceeded(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.JobSucceeded.Add(ctx, 1, partition(j))
	m.recordLatency(ctx, j)
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.JobRetried.Add(ctx, 1, partition(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.JobFailed.Add(ctx, 1, partition(j))
	m.recordLatency(ctx, j)
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.JobCancelled.Add(ctx, 1, partition(j))
	return nil
}

func (m *MetricsExtension) recordLatency(ctx context.Context, j *job.Job) {
	if j.CompletedAt == nil || j.SubmittedAt.IsZero() {
		return
	}
	m.JobLatency.Record(ctx, j.CompletedAt.Sub(j.SubmittedAt).Seconds(), partition(j))
}

func partition(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("partition", j.PartitionKey))
}
