package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/xraph/courier/job"
)

// JobResult is a job as returned by the server.
type JobResult struct {
	job.Job

	// Duplicate is set when a submission matched an existing job.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Submit submits a job. A submission without an ID gets a random one, so
// retried requests are deduplicated by the server.
func (c *Client) Submit(ctx context.Context, sub job.Submission) (*JobResult, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	var out JobResult
	if _, err := c.do(ctx, http.MethodPost, "/v1/jobs", sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*JobResult, error) {
	var out JobResult
	if _, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob cancels a queued job by ID.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*JobResult, error) {
	var out JobResult
	if _, err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PartitionStats is one partition in a Stats response.
type PartitionStats struct {
	Partition   string `json:"partition"`
	Waiting     int    `json:"waiting"`
	Active      int    `json:"active"`
	MaxInFlight int64  `json:"maxInFlight"`
}

// Stats is the server's queue, worker and partition snapshot.
type Stats struct {
	QueueLength    int              `json:"queueLength"`
	QueueCapacity  int              `json:"queueCapacity"`
	Workers        int              `json:"workers"`
	PendingRetries int              `json:"pendingRetries"`
	Partitions     []PartitionStats `json:"partitions"`
}

// Stats returns the server's snapshot.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if _, err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports whether the server can reach its shared store.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}
