package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/jobcache/internal/api/middleware"
	"github.com/kiranshivaraju/jobcache/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	AllocateHandler http.HandlerFunc
	SaveLoadHandler http.HandlerFunc
	ReturnHandler   http.HandlerFunc
	ListJobsHandler http.HandlerFunc
	GetJobHandler   http.HandlerFunc
	GetLoadHandler  http.HandlerFunc
	MetricsHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeRead))

			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
			r.Get("/api/v1/jobs/{jid}", orNotImplemented(deps.GetJobHandler))
			r.Get("/api/v1/jobs/{jid}/load", orNotImplemented(deps.GetLoadHandler))
			r.Get("/api/v1/metrics", orNotImplemented(deps.MetricsHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeWrite))

			r.Post("/api/v1/jobs", orNotImplemented(deps.AllocateHandler))
			r.Put("/api/v1/jobs/{jid}/load", orNotImplemented(deps.SaveLoadHandler))
			r.Post("/api/v1/returns", orNotImplemented(deps.ReturnHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
