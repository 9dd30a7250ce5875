package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}

			r.Get("/cache/{type}", h.GetCache)
			r.Put("/cache/{type}", h.PutCache)
			r.Delete("/cache", h.EvictCache)

			r.Get("/outbox", h.ListOutbox)
			r.Post("/outbox", h.QueueAction)
			r.Post("/outbox/flush", h.Flush)
			r.Delete("/outbox/{id}", h.RemoveAction)

			r.Get("/connectivity", h.GetConnectivity)
			r.Put("/connectivity", h.SetConnectivity)

			r.Get("/analytics", h.ListAnalytics)
			r.Post("/analytics", h.RecordAnalytics)
		})
	})

	return r
}
