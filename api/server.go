/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/tenants/*        Tenant admin, users, events, achievements, rewards
  /api/scenarios/*      Demo scenarios
  /health               Liveness probe

TENANT SCOPING:
  Every domain route lives under /api/tenants/{tenantID}/. The tenant is part
  of the path, never a header or a default, so an unscoped call cannot be
  expressed as a URL.

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Tenant routes
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)

			r.Route("/{tenantID}", func(r chi.Router) {
				// User routes
				r.Route("/users", func(r chi.Router) {
					r.Get("/", h.ListUsers)
					r.Post("/", h.CreateUser)

					r.Route("/{userID}", func(r chi.Router) {
						r.Get("/balance", h.GetBalance)
						r.Get("/ledger", h.GetLedger)
						r.Get("/achievements", h.GetUnlocks)
						r.Get("/achievements/{achievementID}/progress", h.GetProgress)
						r.Get("/redemptions", h.ListUserRedemptions)
						r.Post("/redemptions", h.Redeem)
					})
				})

				// Activity event ingest
				r.Post("/events", h.IngestEvent)

				// Achievement definition routes
				r.Route("/achievements", func(r chi.Router) {
					r.Get("/", h.ListDefinitions)
					r.Post("/", h.CreateDefinition)
					r.Put("/{achievementID}", h.UpdateDefinition)
					r.Post("/{achievementID}/custom", h.EvaluateCustom)
				})

				// Reward catalog routes
				r.Route("/rewards", func(r chi.Router) {
					r.Get("/", h.ListRewards)
					r.Post("/", h.CreateReward)
					r.Put("/{rewardID}", h.UpdateReward)
				})

				// Redemption lifecycle routes
				r.Route("/redemptions", func(r chi.Router) {
					r.Post("/{redemptionID}/cancel", h.CancelRedemption)
					r.Post("/{redemptionID}/deliver", h.DeliverRedemption)
				})

				// Admin credit
				r.Post("/credits", h.Credit)
			})
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/health", h.Health)

	return r
}
