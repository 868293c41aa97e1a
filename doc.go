// Package courier provides a concurrent job-dispatch service. Jobs are
// accepted over HTTP, deduplicated through a shared key-value store, queued
// in a bounded in-process queue, and delivered to remote HTTP endpoints by a
// fixed pool of workers under per-partition concurrency limits.
//
// # Quick Start
//
//	cfg := courier.DefaultConfig()
//	store := memory.New()
//	eng, err := engine.Build(cfg, store, caller.NewHTTP(cfg.Endpoint))
//	if err != nil { ... }
//	_ = eng.Start(ctx)
//	http.ListenAndServe(cfg.Addr, ingress.New(eng, logger).Router())
//
// # Architecture
//
// The root package holds the error taxonomy and configuration only. Each
// subsystem lives in its own package and depends on small interfaces:
//
//   - state: the shared-store contract (memory, redis, badger backends)
//   - queue: the bounded WorkQueue
//   - dispatch: the DispatchTable admitting jobs per partition
//   - worker: the executor and worker pool
//   - engine: wiring plus the Submit / Status / Cancel operations
//   - ingress: the HTTP surface
//
// Job state lives in the shared store under "job:{id}" and expires after the
// configured retention window. Partition in-flight counters live under
// "partition:{key}:inflight".
package courier
