/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/leads/*      Lead capture and pipeline
  /api/quotes/*     Quote building, sending, messages
  /api/jobs/*       Scheduled work
  /api/settings     Business profile
  /api/usage        Free-tier consumption
  /api/health       Liveness and active backend

SECURITY NOTE:
  No authentication middleware. X-User-Id scopes usage records but is
  not verified; this is a single-tenant local tool.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/leads", func(r chi.Router) {
			r.Get("/", h.ListLeads)
			r.Post("/", h.CreateLead)
			r.Get("/{id}", h.GetLead)
			r.Put("/{id}", h.UpdateLead)
			r.Delete("/{id}", h.DeleteLead)
		})

		r.Route("/quotes", func(r chi.Router) {
			r.Get("/", h.ListQuotes)
			r.Post("/", h.CreateQuote)
			r.Get("/{id}", h.GetQuote)
			r.Put("/{id}", h.UpdateQuote)
			r.Delete("/{id}", h.DeleteQuote)
			r.Post("/{id}/send", h.SendQuote)
			r.Get("/{id}/message", h.GetQuoteMessage)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.CreateJob)
			r.Get("/{id}", h.GetJob)
			r.Put("/{id}", h.UpdateJob)
			r.Delete("/{id}", h.DeleteJob)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.GetSettings)
			r.Put("/", h.PutSettings)
		})

		r.Get("/usage", h.GetUsage)
	})

	return r
}
