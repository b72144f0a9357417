package transport

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fluxline/conductor/internal/config"
	"github.com/fluxline/conductor/internal/observability"
	"github.com/fluxline/conductor/internal/orchestrator"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip the
// handler timeout and request logging.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method("GET", "/metrics", observability.Handler())

	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(observability.TracingMiddleware)

		r.Post("/v1/events", handleEvent(deps.Orchestrator))
		r.Post("/v1/workflows/{workflowId}/start", handleWorkflowStart(deps.Orchestrator))
		r.Post("/v1/instances/{instanceId}/transitions/{transition}", handleTransition(deps.Orchestrator))
		r.Get("/v1/instances/{instanceId}", handleInstanceGet(deps.Orchestrator))
		r.Get("/v1/instances", handleInstanceList(deps.Orchestrator))
		r.Post("/v1/instances/{instanceId}/cancel", handleInstanceCancel(deps.Orchestrator))
		r.Post("/v1/patterns/{pattern}/start", handlePatternStart(deps.Orchestrator))
		r.Get("/v1/workers/health", handleWorkerHealth(deps.Orchestrator))
	})

	return r
}
