package api

import (
	"jobhost/internal/health"
	"jobhost/internal/job"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	HealthChecker *health.Checker
	Metrics       HTTPMetrics // optional
	APIKey        string
	Tracer        trace.Tracer // optional; defaults to the global provider
	Logger        *slog.Logger
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = defaultTracer()
	}
	handler := NewHandler(cfg.JobService, cfg.HealthChecker, logger)

	r := chi.NewRouter()

	// Middleware chain (order matters: outermost first)
	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware(logger))
	r.Use(TracingMiddleware(tracer))
	r.Use(LoggingMiddleware(logger))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(ContentTypeMiddleware())

	// Health check endpoints (liveness/readiness probes) - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	// Job endpoints - auth required
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Post("/", handler.CreateJob)
		r.Get("/", handler.ListJobs)
		r.Get("/{jobId}", handler.GetJob)
		r.Post("/{jobId}/heartbeat", handler.Heartbeat)
		r.Post("/{jobId}/cancel", handler.CancelJob)
	})

	return r
}
