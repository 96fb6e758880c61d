package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/internal/idempotency"
	"github.com/pitabwire/procflow/internal/issue"
	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Engine       *workflow.Engine
	Issues       *issue.Service
	Idempotency  idempotency.Store
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	var idem idempotency.Store
	if deps.Config.Idempotency.Enabled {
		idem = deps.Idempotency
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(Idempotency(idem, deps.Config.Idempotency.TTL, deps.Metrics))

		if deps.Issues != nil {
			r.Post("/issues", handleCreateIssue(deps.Issues))
			r.Get("/issues/{id}", handleGetIssue(deps.Issues))
			r.Patch("/issues/{id}", handleUpdateIssue(deps.Issues))
			r.Delete("/issues/{id}", handleDeleteIssue(deps.Issues))
		}

		r.Post("/instances", handleCreateInstance(deps.Engine))
		r.Get("/instances", handleListInstances(deps.Engine))
		r.Get("/instances/{id}", handleGetInstance(deps.Engine))
		r.Get("/instances/{id}/events", handleInstanceEvents(deps.Engine))
		r.Get("/instances/{id}/tasks", handleInstanceTasks(deps.Engine))
		for name := range instanceActions {
			r.Post("/instances/{id}/"+name, handleInstanceAction(deps.Engine, name))
		}
		for name := range taskActions {
			r.Post("/tasks/{id}/"+name, handleTaskAction(deps.Engine, name))
		}
		r.Get("/todo", handleTodo(deps.Engine))
	})

	return r
}
