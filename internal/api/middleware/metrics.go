package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Metrics records request counts and latency per route pattern.
func Metrics(surface string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Route pattern, not path, to bound cardinality.
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if pattern := rc.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPRequestsTotal.WithLabelValues(surface, route, statusClass(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(surface, route).Observe(time.Since(start).Seconds())
		})
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
