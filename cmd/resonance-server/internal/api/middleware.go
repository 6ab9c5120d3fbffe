package api

import (
	"net/http"
	"time"

	"github.com/coregx/resonance"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(next http.Handler, logger resonance.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Infof("%s %s %d %v", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
