package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the router's middleware.
type RouterConfig struct {
	// DeleteRate is the sustained DELETE requests per second per client.
	DeleteRate float64
	// DeleteBurst is the DELETE burst size per client.
	DeleteBurst int
}

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	deleteRateLimiter := NewDeleteRateLimiter(cfg.DeleteRate, cfg.DeleteBurst)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Post("/projects", h.CreateProject)
			r.Get("/projects/{id}", h.GetProject)
			r.Get("/projects/{id}/budget", h.GetBudget)
			r.Post("/projects/{id}/expenses", h.AddExpense)
			r.Post("/projects/{id}/completion/recompute", h.RecomputeCompletion)

			r.Patch("/expenses/{id}", h.PatchExpense)
			r.Post("/expenses/{id}/approve", h.ApproveExpense)
			r.Post("/expenses/{id}/reject", h.RejectExpense)
			r.With(deleteRateLimiter.Middleware).Delete("/expenses/{id}", h.DeleteExpense)

			r.Patch("/tasks/{id}/status", h.PatchTaskStatus)
			r.Patch("/milestones/{id}/status", h.PatchMilestoneStatus)

			r.Get("/completion/catalog", h.GetCatalog)
			r.Get("/ledger/audit", h.LedgerAudit)
			r.Get("/snapshot", h.Snapshot)
		})
	})

	return r
}
