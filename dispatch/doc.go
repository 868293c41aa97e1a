// Package dispatch implements the DispatchTable: per-partition admission
// control in front of the worker pool.
//
// A job is admitted only when all of these hold, checked in order:
//
//   - it is the earliest-enqueued job still waiting in its partition
//   - the partition's token bucket (golang.org/x/time/rate) has a token
//   - the shared in-flight counter partition:{key}:inflight can be
//     incremented without exceeding the partition's MaxInFlight
//
// The counter lives in the shared store, so the cap holds across every
// courier process. Every admitted job must be released exactly once:
//
//	ok, err := t.TryAdmit(ctx, j)
//	if err != nil || !ok {
//	    q.Requeue(j)
//	    return
//	}
//	defer t.Release(context.WithoutCancel(ctx), j.PartitionKey)
//
// Partitions are created on first use and dropped once nothing is waiting
// or running locally.
package dispatch
