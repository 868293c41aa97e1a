package store

// JobKey returns the key of a job record: job:{id}.
func JobKey(jobID string) string { return "job:" + jobID }

// InflightKey returns the in-flight counter of a partition:
// partition:{key}:inflight. Counters carry no TTL.
func InflightKey(partition string) string { return "partition:" + partition + ":inflight" }
