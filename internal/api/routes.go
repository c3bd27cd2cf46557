package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Post("/sync/push", h.SyncPush)
			r.Get("/sync/pull", h.SyncPull)
			r.Get("/sync/snapshot", h.SyncSnapshot)
			r.Get("/sync/index/status", h.IndexStatus)
			r.Post("/sync/index/rebuild", h.IndexRebuild)
		})
	})

	return r
}
