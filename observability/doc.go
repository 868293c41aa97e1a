// Package observability provides a courier extension that records job
// lifecycle metrics through OpenTelemetry.
//
// Register it with the engine:
//
//	eng, err := engine.Build(cfg, st, c,
//	    engine.WithExtension(observability.NewMetricsExtension()),
//	)
//
// Instruments (all tagged with partition):
//   - courier.job.enqueued, courier.job.deduplicated
//   - courier.job.succeeded, courier.job.retried, courier.job.failed,
//     courier.job.cancelled
//   - courier.job.latency: submission to terminal outcome, in seconds
//
// Per-attempt duration and outcome are recorded separately by
// middleware.Metrics.
package observability
