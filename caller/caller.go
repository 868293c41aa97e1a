// Package caller delivers jobs to their downstream HTTP endpoints and
// classifies the outcome into courier's error taxonomy.
package caller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

// Headers set on every outbound request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderJobID          = "X-Courier-Job-Id"
	HeaderPartition      = "X-Courier-Partition"
	HeaderAttempt        = "X-Courier-Attempt"
)

// maxErrorBody bounds how much of a failed response is kept in LastError.
const maxErrorBody = 512

// Caller performs one delivery attempt for a job.
type Caller interface {
	Call(ctx context.Context, j *job.Job) error
}

// Func adapts a plain function to Caller.
type Func func(ctx context.Context, j *job.Job) error

// Call implements Caller.
func (f Func) Call(ctx context.Context, j *job.Job) error { return f(ctx, j) }

// Option configures an HTTP caller.
type Option func(*HTTP)

// WithClient replaces the HTTP client. The client's transport is used as
// is; wrap it with otelhttp yourself if you want spans.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) { h.client = c }
}

// WithEndpoints sets per-partition endpoint overrides.
func WithEndpoints(endpoints map[string]string) Option {
	return func(h *HTTP) {
		for k, v := range endpoints {
			h.endpoints[k] = v
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTP) { h.logger = l }
}

// HTTP posts a job's payload to its endpoint. Any 2xx response is success.
type HTTP struct {
	client    *http.Client
	endpoint  string
	endpoints map[string]string
	logger    *slog.Logger
}

var _ Caller = (*HTTP)(nil)

// NewHTTP creates a caller delivering to endpoint unless a partition
// override applies.
func NewHTTP(endpoint string, opts ...Option) *HTTP {
	h := &HTTP{
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		endpoint:  endpoint,
		endpoints: make(map[string]string),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Endpoint returns the URL jobs of the partition are delivered to.
func (h *HTTP) Endpoint(partition string) string {
	if u, ok := h.endpoints[partition]; ok && u != "" {
		return u
	}
	return h.endpoint
}

// Call posts j.Payload to the partition's endpoint. The deadline comes from
// ctx; the caller sets no timeout of its own.
func (h *HTTP) Call(ctx context.Context, j *job.Job) error {
	url := h.Endpoint(j.PartitionKey)
	if url == "" {
		return fmt.Errorf("%w: %q", courier.ErrNoEndpoint, j.PartitionKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(j.Payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", courier.ErrDownstreamCall, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, j.ID)
	req.Header.Set(HeaderJobID, j.ID)
	req.Header.Set(HeaderPartition, j.PartitionKey)
	req.Header.Set(HeaderAttempt, strconv.Itoa(j.Attempts))

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w: %w", courier.ErrDownstreamCall, courier.ErrDownstreamTimeout, err)
		}
		return fmt.Errorf("%w: %w", courier.ErrDownstreamCall, err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.Debug("downstream rejected job",
			slog.String("job_id", j.ID),
			slog.String("endpoint", url),
			slog.Int("status", resp.StatusCode),
		)
		msg := string(bytes.TrimSpace(snippet))
		if msg == "" {
			return fmt.Errorf("%w: %s responded %d", courier.ErrDownstreamCall, url, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s responded %d: %s", courier.ErrDownstreamCall, url, resp.StatusCode, msg)
	}
	return nil
}
