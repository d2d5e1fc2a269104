package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/jobcache/internal/api/response"
)

// Pinger is satisfied by every kv.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ViewState reports whether the job views have been verified.
type ViewState interface {
	Verified() bool
}

// NewHealthHandler checks store connectivity. View verification is
// reported but does not degrade health: the first read repairs it.
func NewHealthHandler(store Pinger, views ViewState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"store": "ok"}
		if err := store.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":         "ok",
			"services":       checks,
			"views_verified": views.Verified(),
		})
	}
}
