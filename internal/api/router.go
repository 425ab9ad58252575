package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/ws", s.handleWebSocket)

		r.Route("/accessories", func(r chi.Router) {
			r.Get("/", s.handleListAccessories)
			r.Get("/{name}", s.handleGetAccessory)

			r.With(s.authMiddleware).
				Put("/{name}/characteristics/{characteristic}", s.handleSetCharacteristic)
		})

		r.Route("/runnable", func(r chi.Router) {
			r.Get("/", s.handleRunnableStats)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Post("/connect", s.handleConnect)
				r.Post("/disconnect", s.handleDisconnect)
			})
		})
	})

	return r
}
