package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Job scheduler metrics.
var (
	jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobs_running",
		Help: "Jobs currently executing.",
	})

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Jobs by terminal state.",
		},
		[]string{"key", "state"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"key"},
	)

	entitlementsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "entitlements_issued_total",
		Help: "Entitlements issued across all pools.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		jobsRunning, jobsTotal, jobDuration,
		entitlementsIssued,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobStarted marks a job as executing.
func JobStarted() {
	jobsRunning.Inc()
}

// JobFinished records the terminal state and duration of one job.
func JobFinished(key, state string, elapsed time.Duration) {
	jobsRunning.Dec()
	jobsTotal.WithLabelValues(key, state).Inc()
	jobDuration.WithLabelValues(key).Observe(elapsed.Seconds())
}

// EntitlementIssued counts a successful issuance.
func EntitlementIssued() {
	entitlementsIssued.Inc()
}

// CanonicalPath collapses id-bearing URL segments so metric labels stay
// low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segments) == 3 && segments[0] == "v1" && segments[1] == "jobs":
		return "/v1/jobs/:id"
	case len(segments) == 3 && segments[0] == "v1" && segments[1] == "owners":
		return "/v1/owners/:key"
	case len(segments) == 3 && segments[0] == "v1" && segments[1] == "consumers":
		return "/v1/consumers/:uuid"
	case len(segments) == 4 && segments[0] == "v1" && segments[1] == "owners" && segments[3] == "pools":
		return "/v1/owners/:key/pools"
	case len(segments) == 4 && segments[0] == "v1" && segments[1] == "consumers" && segments[3] == "entitlements":
		return "/v1/consumers/:uuid/entitlements"
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for the metrics labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
