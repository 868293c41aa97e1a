package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/courier"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is queued and has not been attempted.
	StatePending State = "pending"
	// StateRunning means an attempt is in progress or a retry is scheduled.
	StateRunning State = "running"
	// StateSucceeded means the downstream call returned 2xx.
	StateSucceeded State = "succeeded"
	// StateFailed means every attempt failed.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled before its first attempt.
	StateCancelled State = "cancelled"
)

var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateRunning, StateSucceeded, StateFailed},
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a unit of work delivered to a downstream endpoint.
type Job struct {
	ID            string          `json:"id" msgpack:"id"`
	PartitionKey  string          `json:"partitionKey" msgpack:"partition_key"`
	Payload       json.RawMessage `json:"payload,omitempty" msgpack:"payload"`
	State         State           `json:"status" msgpack:"status"`
	Attempts      int             `json:"attempts" msgpack:"attempts"`
	MaxAttempts   int             `json:"maxAttempts" msgpack:"max_attempts"`
	LastError     string          `json:"lastError,omitempty" msgpack:"last_error,omitempty"`
	SubmittedAt   time.Time       `json:"submittedAt" msgpack:"submitted_at"`
	StartedAt     *time.Time      `json:"startedAt,omitempty" msgpack:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty" msgpack:"completed_at,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty" msgpack:"next_attempt_at,omitempty"`
	SubmissionID  string          `json:"submissionId,omitempty" msgpack:"submission_id,omitempty"`

	// Seq is the enqueue sequence number assigned by the local queue. It
	// orders jobs within a partition and is never persisted.
	Seq uint64 `json:"-" msgpack:"-"`
}

// New returns a pending job submitted at now.
func New(jobID, partitionKey string, payload json.RawMessage, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:           jobID,
		PartitionKey: partitionKey,
		Payload:      payload,
		State:        StatePending,
		MaxAttempts:  maxAttempts,
		SubmittedAt:  now.UTC(),
	}
}

// Transition moves the job to state to, stamping StartedAt on the first
// move to running and CompletedAt on reaching a terminal state.
func (j *Job) Transition(to State, now time.Time) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", courier.ErrInvalidState, j.State, to)
	}
	now = now.UTC()
	if to == StateRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.IsTerminal() {
		j.CompletedAt = &now
		j.NextAttemptAt = nil
	}
	j.State = to
	return nil
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	return &c
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
