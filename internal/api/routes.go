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
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			// Local record access; writes enqueue their mutation
			r.Put("/tables/{table}/records/{id}", h.PutRecord)
			r.Get("/tables/{table}/records/{id}", h.GetRecord)
			r.Delete("/tables/{table}/records/{id}", h.DeleteRecord)

			// Queue introspection and control
			r.Post("/sync/flush", h.Flush)
			r.Get("/sync/status", h.SyncStatus)
			r.Get("/sync/queue", h.ListQueue)
			r.Get("/sync/dead-letters", h.ListDeadLetters)
			r.Post("/sync/dead-letters/{id}/requeue", h.RequeueDeadLetter)
			r.Delete("/sync/dead-letters/{id}", h.PurgeDeadLetter)
		})
	})

	return r
}
