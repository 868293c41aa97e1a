// Package client is a Go client for the courier HTTP API.
//
// Usage:
//
//	c := client.New("http://localhost:8080",
//	    client.WithRetry(5, backoff.DefaultStrategy()),
//	)
//
//	res, err := c.Submit(ctx, job.Submission{
//	    PartitionKey: "tenant-42",
//	    Payload:      json.RawMessage(`{"to":"user@example.com"}`),
//	})
//	if errors.Is(err, courier.ErrQueueFull) {
//	    // back off and try later
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
)

// APIError is a non-2xx response. It unwraps to the courier sentinel that
// matches its status code, so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("courier/client: %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the sentinel for the status code, or nil.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return courier.ErrValidation
	case http.StatusTooManyRequests:
		return courier.ErrQueueFull
	case http.StatusNotFound:
		return courier.ErrJobNotFound
	case http.StatusConflict:
		return courier.ErrInvalidState
	case http.StatusServiceUnavailable:
		return courier.ErrStoreUnavailable
	default:
		return nil
	}
}

// temporary reports responses worth retrying.
func temporary(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == http.StatusServiceUnavailable
}

// Client talks to a courier server.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
	attempts int
	backoff  backoff.Strategy
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   slog.Default(),
		attempts: 1,
		backoff:  backoff.DefaultStrategy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a request and decodes a JSON response into out. Requests
// rejected with 429 or 503 are retried per WithRetry.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("courier/client: marshal request: %w", err)
		}
	}

	var status int
	err := backoff.Retry(ctx, c.backoff, c.attempts, temporary, func(ctx context.Context) error {
		var err error
		status, err = c.once(ctx, method, path, body, out)
		if temporary(err) {
			c.logger.Debug("courier/client: retrying",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", status),
			)
		}
		return err
	})
	return status, err
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("courier/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("courier/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("courier/client: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
