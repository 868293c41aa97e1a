package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/job"
)

// Service is the part of the engine the API serves.
type Service interface {
	Submit(ctx context.Context, sub job.Submission) (*engine.SubmitResult, error)
	Status(ctx context.Context, jobID string) (*job.Job, error)
	Cancel(ctx context.Context, jobID string) (*job.Job, error)
	Stats() engine.Stats
	Ping(ctx context.Context) error
}

var _ Service = (*engine.Engine)(nil)

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger used for access logs and handler errors.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithRetryAfter sets the Retry-After hint sent with 429 responses.
func WithRetryAfter(d time.Duration) Option {
	return func(a *API) { a.retryAfter = d }
}

// WithMaxBodyBytes caps the size of a request body. Bodies over the limit
// are rejected with 400.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) { a.maxBodyBytes = n }
}

// API wires the HTTP handlers to a Service.
type API struct {
	svc          Service
	logger       *slog.Logger
	retryAfter   time.Duration
	maxBodyBytes int64
}

// New creates an API over svc.
func New(svc Service, opts ...Option) *API {
	a := &API{
		svc:          svc,
		logger:       slog.Default(),
		retryAfter:   time.Second,
		maxBodyBytes: 2 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)

	a.RegisterRoutes(r)
	return otelhttp.NewHandler(r, "courier.ingress")
}

// RegisterRoutes registers every route on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", a.submitJob)
		r.Get("/jobs/{id}", a.getJob)
		r.Post("/jobs/{id}/cancel", a.cancelJob)
		r.Get("/stats", a.stats)
	})
}

// accessLog logs one line per request through slog.
func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		a.logger.Debug("http request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}
