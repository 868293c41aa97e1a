package client

import (
	"log/slog"
	"net/http"

	"github.com/xraph/courier/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The default instruments its
// transport with otelhttp.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry retries requests the server rejected with 429 or 503, up to
// attempts tries in total, waiting s.Delay between them.
func WithRetry(attempts int, s backoff.Strategy) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.backoff = s
	}
}
