package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobEnqueued     = "job.enqueued"
	ActionJobDeduplicated = "job.deduplicated"
	ActionJobStarted      = "job.started"
	ActionJobSucceeded    = "job.succeeded"
	ActionJobRetrying     = "job.retrying"
	ActionJobFailed       = "job.failed"
	ActionJobCancelled    = "job.cancelled"
)

// CategoryJob is the category of every event this extension emits.
const CategoryJob = "courier.job"

// ResourceJob is the Resource field of every event.
const ResourceJob = "job"

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobDeduplicated,
		ActionJobStarted,
		ActionJobSucceeded,
		ActionJobRetrying,
		ActionJobFailed,
		ActionJobCancelled,
	}
}
