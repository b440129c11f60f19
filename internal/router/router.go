package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/carenet/escrow/internal/handlers"
	"github.com/carenet/escrow/internal/middleware"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/ratelimit"
	"github.com/carenet/escrow/internal/respond"
)

// Limits holds the per-route rate limit rules.
type Limits struct {
	Webhook  ratelimit.Rule
	Refund   ratelimit.Rule
	Checkout ratelimit.Rule
	Escrow   ratelimit.Rule
	Admin    ratelimit.Rule
	// Auth is applied per client IP ahead of token validation.
	Auth ratelimit.Rule
}

type Deps struct {
	Handler *handlers.Handler
	Tokens  middleware.TokenValidator
	Limiter *ratelimit.Limiter
	Limits  Limits
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	Logger     *slog.Logger
}

// New returns the API handler.
//
// Webhooks are rate limited before the signature is checked. Authenticated
// routes are limited per client IP before the token is validated, then per
// principal.
func New(d Deps) http.Handler {
	h := d.Handler
	limit := func(op string, rule ratelimit.Rule, failClosed bool) func(http.Handler) http.Handler {
		return middleware.RateLimit(d.Limiter, middleware.RateLimitOptions{Operation: op, Rule: rule, FailClosed: failClosed}, d.Logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if d.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.Recover(d.Logger))
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respond.Fail(w, http.StatusNotFound, "NOT_FOUND", "resource not found", false)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respond.Fail(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", false)
	})

	r.Get("/healthz", handlers.Health)

	r.Route("/v1", func(r chi.Router) {
		r.With(limit("webhook", d.Limits.Webhook, false)).Post("/webhooks/{provider}", h.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(limit("auth", d.Limits.Auth, false))
			r.Use(middleware.Authenticate(d.Tokens))

			r.With(limit("refund", d.Limits.Refund, false), middleware.RequirePermission(models.PermManagePayments)).
				Post("/refunds", h.Refund)
			r.With(limit("checkout", d.Limits.Checkout, false), middleware.RequirePermission(models.PermInitiatePayments)).
				Post("/checkouts", h.Checkout)

			r.Route("/escrows/{id}", func(r chi.Router) {
				r.Use(limit("escrow", d.Limits.Escrow, false))
				r.Get("/", h.GetEscrow)
				r.Post("/dispute", h.DisputeEscrow)
				r.With(middleware.RequirePermission(models.PermManagePayments)).Post("/release", h.ReleaseEscrow)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(limit("admin", d.Limits.Admin, true))
				r.Use(middleware.RequirePermission(models.PermAdmin))
				r.Get("/escrows", h.ListEscrows)
				r.Get("/transactions", h.ListTransactions)
				r.Get("/escrows/{id}/audit", h.EscrowAudit)
				r.Get("/providers/{provider}/transactions", h.ProviderTransactions)
			})
		})
	})
	return r
}
