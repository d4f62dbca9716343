package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusRecorder captures the status code a handler wrote, so the
// logging middleware can report it after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs one line per request at debug level, carrying
// method, path, status and duration, plus the registry/repository/key
// route parameters when the request matched an object route.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger := slog.With(
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
		if reg := chi.URLParam(r, "registry"); reg != "" {
			logger = logger.With(
				"registry", reg,
				"repository", chi.URLParam(r, "repo1")+"/"+chi.URLParam(r, "repo2"),
				"key", chi.URLParam(r, "*"),
			)
		}
		logger.Debug("handled request")
	})
}
