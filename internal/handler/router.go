package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
	"github.com/pesio-ai/be-p2p-coordinator/internal/middleware"
)

// RouterConfig holds the cross-cutting HTTP settings.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimit      middleware.RateLimitConfig
	RequestTimeout time.Duration
}

// NewRouter mounts every route behind request id, logging, recovery, CORS,
// rate limiting and a request timeout. /health skips the rate limiter.
func NewRouter(h *HTTPHandler, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(&log.Logger))
	r.Use(middleware.Recovery(&log.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))
	if cfg.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimit.RequestsPerSecond > 0 {
			r.Use(middleware.RateLimiter(cfg.RateLimit))
		}

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.GetApprovals)
			r.Post("/", h.CreateApproval)
			r.Get("/pending", h.ListPendingApprovals)
			r.Get("/{id}", h.GetApproval)
			r.Post("/{id}/approve", h.ApproveStep)
			r.Post("/{id}/reject", h.RejectStep)
			r.Post("/{id}/cancel", h.CancelApproval)
		})

		r.Route("/matching", func(r chi.Router) {
			r.Post("/run", h.RunMatch)
			r.Get("/results", h.ListMatchResults)
			r.Get("/summary", h.MatchSummary)
			r.Get("/exceptions", h.ListExceptions)
			r.Get("/exceptions/{id}", h.GetException)
			r.Post("/exceptions/{id}/resolve", h.ResolveException)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.QueryAudit)
			r.Get("/summary", h.AuditSummary)
			r.Get("/entities/{type}/{id}", h.EntityHistory)
		})

		r.Get("/matrix", h.ListRules)
		r.Post("/matrix", h.CreateRule)
	})

	return r
}
