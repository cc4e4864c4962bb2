/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/auth/*         Registration and login (public)
  /api/operations/*   Operation catalog and execution (authenticated)
  /api/records/*      History, page counts, soft delete (authenticated)
  /api/balance        Current balance (authenticated)

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Public auth routes
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})

		// Everything else requires a valid token
		r.Group(func(r chi.Router) {
			r.Use(h.Auth.Middleware)

			r.Route("/operations", func(r chi.Router) {
				r.Get("/", h.ListOperations)
				r.Post("/{type}", h.ExecuteOperation)
			})

			r.Route("/records", func(r chi.Router) {
				r.Get("/", h.ListRecords)
				r.Get("/pages", h.RecordPages)
				r.Delete("/{id}", h.DeleteRecord)
			})

			r.Get("/balance", h.GetBalance)
		})
	})

	return r
}
