/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request, echoed into every log line
  2. RealIP:        Client address behind a proxy
  3. RequestLogger: One zerolog line per request
  4. Recovery:      Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the billing frontend

ROUTE GROUPS:
  /api/authorizations/*  Allocation and history
  /api/clients/*         Remaining units and period entries
  /api/events/*          Session, claim submission and payer response events
  /api/claims/*          Claim lookup and lifecycle actions
  /api/reports/*         Reporting aggregator
  /api/admin/*           Rollover sweep
  /health                Liveness and store ping

SECURITY NOTE:
  No authentication middleware. The caller is taken from the X-Caller-ID
  header and only logged.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: zerolog request logging and recovery
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions are the knobs NewRouter takes from config.
type RouterOptions struct {
	Logger      zerolog.Logger
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Logger))
	r.Use(Recovery(opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", CallerHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/authorizations", func(r chi.Router) {
			r.Get("/", h.ListAuthorizations)
			r.Post("/", h.CreateAuthorizations)
		})

		r.Route("/clients/{clientID}", func(r chi.Router) {
			r.Get("/units", h.GetRemainingUnits)
			r.Get("/entries", h.GetEntries)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/session-delivered", h.SessionDelivered)
			r.Post("/claim-submission", h.ClaimSubmission)
			r.Post("/payer-response", h.PayerResponse)
		})

		r.Route("/claims", func(r chi.Router) {
			r.Get("/", h.ListClaims)
			r.Get("/{id}", h.GetClaim)
			r.Post("/{id}/submit", h.SubmitClaim)
			r.Post("/{id}/appeal", h.AppealClaim)
			r.Post("/{id}/void", h.VoidClaim)
			r.Post("/{id}/resubmit", h.ResubmitClaim)
		})

		r.Get("/reports/{type}", h.GetReport)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/rollover", h.TriggerRollover)
		})
	})

	return r
}
