// Package middleware provides composable middleware around each delivery
// attempt.
//
// A [Middleware] wraps the outbound call. Middleware are composed with
// [Chain]; the first middleware in the list is the outermost wrapper.
//
//	chain := middleware.Chain(middleware.Recover(logger), middleware.Timeout(5*time.Second))
//
// # Built-in Middleware
//
//   - [Recover] converts panics into failed attempts
//   - [Logging] logs attempt start and outcome
//   - [Tracing] wraps each attempt in an OpenTelemetry span
//   - [Metrics] records attempt duration and outcome counters
//   - [Timeout] bounds an attempt and classifies the overrun as
//     courier.ErrDownstreamTimeout
//
// [Default] returns the chain the engine uses when none is supplied.
//
// While the chain runs, j.Attempts already counts the current attempt.
package middleware
