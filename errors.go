package courier

import "errors"

var (
	// Submission errors.
	ErrValidation = errors.New("courier: invalid submission")
	ErrQueueFull  = errors.New("courier: queue full")

	// Store errors. Callers must treat ErrStoreUnavailable as retryable and
	// never as "key absent".
	ErrStoreUnavailable = errors.New("courier: shared store unavailable")

	// Downstream errors. A timeout also matches ErrDownstreamCall.
	ErrDownstreamCall    = errors.New("courier: downstream call failed")
	ErrDownstreamTimeout = errors.New("courier: downstream call timed out")
	ErrNoEndpoint        = errors.New("courier: no endpoint for partition")

	// Lookup and state errors.
	ErrJobNotFound  = errors.New("courier: job not found")
	ErrInvalidState = errors.New("courier: invalid state transition")

	// Lifecycle errors.
	ErrNoStore       = errors.New("courier: no store configured")
	ErrInvalidConfig = errors.New("courier: invalid config")
	ErrShuttingDown  = errors.New("courier: shutting down")
)
