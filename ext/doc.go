// Package ext defines the extension system for courier.
//
// Extensions are notified of job lifecycle events. Each hook is a separate
// interface so extensions opt in only to the events they care about:
//
//	type auditExt struct{ w io.Writer }
//
//	func (e *auditExt) Name() string { return "audit" }
//
//	func (e *auditExt) OnJobFailed(ctx context.Context, j *job.Job, err error) error {
//	    _, werr := fmt.Fprintf(e.w, "%s failed after %d attempts: %v\n", j.ID, j.Attempts, err)
//	    return werr
//	}
//
// # Hooks
//
//   - [JobEnqueued] a new job was persisted and queued
//   - [JobDeduplicated] a submission matched an existing job
//   - [JobStarted] a worker began an attempt
//   - [JobSucceeded] the downstream accepted the job
//   - [JobRetrying] an attempt failed and another is scheduled
//   - [JobFailed] the job ran out of attempts
//   - [JobCancelled] a pending job was cancelled
//   - [Shutdown] the engine is stopping
//
// Hook errors are logged and never fail the job. Hooks run synchronously
// on the goroutine that produced the event, so keep them fast.
package ext
