/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/billing/*        Period banner and ledger reads
  /api/agents, /clerks  Running cashback / commission
  /api/invoices/*       Invoice reads
  /api/pricing/quote    Price lookup
  /api/users/*          User registry
  /api/inspections/*    Booking and lifecycle
  /api/admin/*          Close, catch-up, recovery, pricing, bulk ops, demo scenarios
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/billing", func(r chi.Router) {
			r.Get("/period", h.GetCurrentPeriod)
			r.Get("/periods", h.ListPeriods)
			r.Get("/periods/{number}", h.GetPeriod)
		})

		r.Get("/agents/{id}/cashback", h.GetAgentCashback)
		r.Get("/clerks/{id}/commission", h.GetClerkCommission)

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Get("/{id}", h.GetInvoice)
		})

		r.Get("/pricing/quote", h.QuotePrice)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
		})

		r.Route("/inspections", func(r chi.Router) {
			r.Get("/", h.ListInspections)
			r.Post("/", h.BookInspection)
			r.Get("/{id}", h.GetInspection)
			r.Post("/{id}/assign", h.AssignInspection)
			r.Post("/{id}/start", h.StartInspection)
			r.Post("/{id}/complete", h.CompleteInspection)
			r.Post("/{id}/cancel", h.CancelInspection)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/billing/close", h.CloseBillingPeriod)
			r.Post("/billing/catch-up", h.CatchUpPeriods)
			r.Post("/billing/periods/{number}/recover", h.RecoverInvoices)

			r.Get("/pricing", h.ListPricing)
			r.Get("/pricing/{type}", h.GetPricing)
			r.Put("/pricing/{type}", h.UpdatePricing)
			r.Delete("/pricing/{type}", h.ResetPricing)

			r.Post("/inspections/{id}/reassign", h.ReassignInspection)
			r.Delete("/inspections", h.ClearInspections)

			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	return r
}
