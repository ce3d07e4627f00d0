package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/partypush/internal/metrics"
)

// Metrics records request counts and latency by matched route. Requests
// that matched no route share one label so unknown paths cannot grow the
// series count.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(route, r.Method, status).Inc()
		metrics.HTTPDuration.WithLabelValues(route, r.Method, status).Observe(time.Since(start).Seconds())
	})
}
