package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter mounts the API under /api. Everything below /api requires the API
// key when one is configured; the schema and docs stay public.
func NewRouter(h *Handler, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChain()...)
	r.Get("/healthz", h.Healthz)
	r.Route("/api", func(r chi.Router) {
		if h.Schema != nil {
			r.Get("/openapi.json", OpenAPIHandler(h.Schema))
			r.Get("/docs", SwaggerHandler())
		}
		r.Group(func(r chi.Router) {
			r.Use(APIKeyMiddleware(apiKey))
			r.Post("/sessions", h.CreateSession)
			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions/{id}/interrupt", h.InterruptSession)
			r.Post("/generate", h.Generate)
			r.Get("/status", h.Status)
			r.Get("/status/stream", h.StatusStream)
			r.Get("/backends", h.ListBackends)
			r.Get("/outputs/{id}", h.GetOutput)
		})
	})
	return r
}
