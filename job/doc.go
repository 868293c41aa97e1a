// Package job defines the job record, its state machine, submission
// validation and the codecs used to persist records in the shared store.
//
// # State machine
//
// A [Job] only ever moves forward:
//
//	pending → running → succeeded
//	pending → running → running (retry) → … → failed
//	pending → cancelled
//
// Between attempts a job stays running with NextAttemptAt set. Use
// [Job.Transition] rather than assigning State directly; it rejects every
// other move with courier.ErrInvalidState.
//
// # Codecs
//
// Records are stored as JSON by default. [MsgpackCodec] trades readability
// for smaller values; select it with [GetCodec]. Seq is process-local and is
// never encoded.
package job
