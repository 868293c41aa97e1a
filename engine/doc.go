// Package engine wires the courier subsystems together and exposes the
// operations the ingress API serves: Submit, Status, Cancel and Stats.
//
// The engine sits above the store, queue, dispatch, worker and caller
// packages and below the application layer.
//
// # Building an Engine
//
//	st := store.NewRetrying(memory.New(), store.RetryOptions{Attempts: 3})
//	c := caller.NewHTTP("https://downstream.example/jobs")
//
//	eng, err := engine.Build(courier.DefaultConfig(), st, c,
//	    engine.WithLogger(logger),
//	    engine.WithExtension(myExtension),
//	)
//
// # Submitting Jobs
//
//	res, err := eng.Submit(ctx, job.Submission{
//	    PartitionKey: "tenant-42",
//	    Payload:      json.RawMessage(`{"to":"user@example.com"}`),
//	})
//
// A submission whose ID already exists returns the stored job with
// Duplicate set; nothing is enqueued.
//
// # Options
//
//   - [WithLogger] sets the logger
//   - [WithExtension] registers a lifecycle extension
//   - [WithMiddleware] adds a middleware to the attempt chain
//   - [WithBackoff] replaces the retry backoff strategy
//   - [WithTracerProvider] and [WithMeterProvider] set the OpenTelemetry providers
package engine
