// Package handler exposes the promo service over HTTP. Routing uses chi and
// bodies are encoded with jx.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/trip-promo/internal/domain/auth"
	"github.com/xenking/trip-promo/internal/domain/promo"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// Handler serves the redemption and admin endpoints.
type Handler struct {
	svc   *promo.Service
	authn *auth.Authenticator
	// defaultTop is used when /admin/promo-stats has no top parameter.
	defaultTop int
}

// Config holds non-dependency settings of Handler.
type Config struct {
	DefaultTop int
}

// New constructs a Handler.
func New(cfg Config, svc *promo.Service, authn *auth.Authenticator) *Handler {
	if cfg.DefaultTop <= 0 {
		cfg.DefaultTop = promo.DefaultTopN
	}
	return &Handler{svc: svc, authn: authn, defaultTop: cfg.DefaultTop}
}

// Routes returns the API router. Mount it under /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireScope(auth.ScopeRedeem))
		r.Post("/promo/validate", h.ValidatePromoCode)
		r.Post("/promo/redeem", h.RedeemPromoCode)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireScope(auth.ScopeAdmin))
		r.Route("/admin/promo-codes", func(r chi.Router) {
			r.Get("/", h.ListPromoCodes)
			r.Post("/", h.CreatePromoCode)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPromoCode)
				r.Patch("/", h.UpdatePromoCode)
				r.Delete("/", h.DeletePromoCode)
				r.Get("/redemptions", h.ListRedemptions)
			})
		})
		r.Get("/admin/promo-stats", h.GetStats)
	})

	return r
}
