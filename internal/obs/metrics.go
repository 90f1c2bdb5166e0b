// Package obs holds the service's Prometheus collectors and the HTTP
// instrumentation wrapper.
package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mrray_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrray_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mrray_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrray_cache_lookups_total",
			Help: "Entity cache lookups by record kind and result.",
		},
		[]string{"kind", "result"},
	)

	remoteAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrray_remote_attempts_total",
			Help: "Document service calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrray_tasks_processed_total",
			Help: "Background tasks handled by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrray_outcomes_total",
			Help: "Request outcomes by failure kind.",
		},
		[]string{"kind"},
	)

	registerOnce sync.Once
)

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			cacheLookups, remoteAttempts, tasksProcessed, outcomes)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func CacheHit(kind string)  { cacheLookups.WithLabelValues(kind, "hit").Inc() }
func CacheMiss(kind string) { cacheLookups.WithLabelValues(kind, "miss").Inc() }

func RemoteAttempt(op, outcome string) { remoteAttempts.WithLabelValues(op, outcome).Inc() }

func TaskProcessed(taskType, outcome string) { tasksProcessed.WithLabelValues(taskType, outcome).Inc() }

func Outcome(kind string) { outcomes.WithLabelValues(kind).Inc() }

// CanonicalPath collapses request paths onto the fixed route set so label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	switch strings.TrimSuffix(path, "/") {
	case "/wave/action":
		return "/wave/action/"
	case "/wave", "/wave/events", "/wave/participants", "/metrics", "/api/health", "/api/ready":
		return strings.TrimSuffix(path, "/")
	}
	return "other"
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
