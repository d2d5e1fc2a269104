package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/jobcache/internal/api/response"
)

// startedWriter remembers whether the response has begun.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *startedWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func (w *startedWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Recovery turns a handler panic into a 500 error envelope whose details
// carry the request id, so a caller can quote it when reporting the
// failure. A panic after the response has started is only logged.
// http.ErrAbortHandler is passed through to the server.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &startedWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			id := GetRequestID(r)
			slog.Error("panic recovered",
				"error", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"response_started", sw.started,
			)
			if sw.started {
				return
			}

			var details map[string]string
			if id != "" {
				details = map[string]string{"request_id": id}
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", details)
		}()
		next.ServeHTTP(sw, r)
	})
}
