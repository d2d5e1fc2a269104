package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/jobcache/internal/api/middleware"
	"github.com/kiranshivaraju/jobcache/internal/api/response"
	"github.com/kiranshivaraju/jobcache/internal/jobcache"
	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/pkg/models"
)

// maxBodyBytes caps request bodies. Returns can carry large outputs.
const maxBodyBytes = 16 << 20

// JobCache is the job-result store the handlers depend on.
type JobCache interface {
	Allocate(ctx context.Context, nocache bool) (string, error)
	SaveLoad(ctx context.Context, jobID string, load models.Load) error
	Returner(ctx context.Context, ret models.Return) error
	GetJids(ctx context.Context) (map[string]models.JobSummary, error)
	GetJid(ctx context.Context, jobID string) (map[string]json.RawMessage, error)
	GetLoad(ctx context.Context, jobID string) (map[string]any, error)
}

// NewAllocateHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// An empty body reserves a cached job.
func NewAllocateHandler(svc JobCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			NoCache bool `json:"nocache"`
		}
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		jobID, err := svc.Allocate(r.Context(), req.NoCache)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, map[string]string{"jid": jobID})
	}
}

// NewSaveLoadHandler returns an http.HandlerFunc for PUT /api/v1/jobs/{jid}/load.
func NewSaveLoadHandler(svc JobCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var load models.Load
		if err := decodeBody(r, &load); err != nil || load == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Body must be a JSON object", nil)
			return
		}

		if err := svc.SaveLoad(r.Context(), chi.URLParam(r, "jid"), load); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewReturnHandler returns an http.HandlerFunc for POST /api/v1/returns.
func NewReturnHandler(svc JobCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ret models.Return
		if err := decodeBody(r, &ret); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if ret.Jid == "" || ret.ID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jid and id are required", nil)
			return
		}

		if err := svc.Returner(r.Context(), ret); err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, map[string]string{"jid": ret.Jid, "id": ret.ID})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := svc.GetJids(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, jobs)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jid}.
func NewGetJobHandler(svc JobCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := svc.GetJid(r.Context(), chi.URLParam(r, "jid"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, results)
	}
}

// NewGetLoadHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jid}/load.
// Unknown jobs yield an empty object, not 404.
func NewGetLoadHandler(svc JobCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		load, err := svc.GetLoad(r.Context(), chi.URLParam(r, "jid"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, load)
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// writeError maps job cache errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobcache.ErrInvalidKey):
		response.Error(w, http.StatusBadRequest, "INVALID_KEY", err.Error(), nil)
	case errors.Is(err, jobcache.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobcache.ErrDuplicateReturn):
		response.Error(w, http.StatusConflict, "DUPLICATE_RETURN", "Return already recorded for this minion", nil)
	case errors.Is(err, jobcache.ErrLoadConflict):
		response.Error(w, http.StatusConflict, "LOAD_CONFLICT", "Job record was modified concurrently", nil)
	case errors.Is(err, jobcache.ErrViewsUnavailable),
		errors.Is(err, kv.ErrUnknownView),
		errors.Is(err, kv.ErrUnknownMap):
		slog.Error("job views unavailable", "error", err, "request_id", mw.GetRequestID(r))
		response.Error(w, http.StatusServiceUnavailable, "VIEWS_UNAVAILABLE", "Job views are not available", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusServiceUnavailable, "TIMEOUT", "Request did not complete in time", nil)
	default:
		slog.Error("job cache operation failed", "error", err, "request_id", mw.GetRequestID(r))
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
