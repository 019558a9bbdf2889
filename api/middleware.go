// Package api wires the HTTP surface: the multi-address query route, the
// operator health endpoint, and the dead-letter replay admin action.
// Router and middleware conventions follow the teacher's
// cmd/xchainserver/server package (gorilla/mux with a logging middleware
// chain) and walletserver/middleware/logger.go.
package api

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs method, path, status, and latency for every
// request, matching walletserver/middleware/logger.go's field set.
func loggingMiddleware(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
			}).Info("request served")
		})
	}
}
