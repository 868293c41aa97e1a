// Package worker runs jobs. An Executor performs one delivery attempt
// through the middleware chain and applies the retry policy; a Pool runs a
// fixed set of goroutines that take jobs from the work queue, ask the
// dispatch table for admission and hand admitted jobs to the Executor.
package worker
