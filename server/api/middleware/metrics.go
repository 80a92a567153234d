package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/compose-network/recordtap/metrics"
)

// Metrics records request counts and latency per route template.
func Metrics(reg prometheus.Registerer) func(next http.Handler) http.Handler {
	r := metrics.NewComponentRegistryWith(reg, "recordtap", "http")

	requests := r.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	latency := r.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: metrics.DurationBuckets,
	}, []string{"method", "route"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, req)

			route := routeTemplate(req)
			requests.WithLabelValues(req.Method, route, strconv.Itoa(rw.status)).Inc()
			latency.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// routeTemplate keeps label cardinality bounded for unmatched paths.
func routeTemplate(r *http.Request) string {
	if cr := mux.CurrentRoute(r); cr != nil {
		if tpl, err := cr.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
