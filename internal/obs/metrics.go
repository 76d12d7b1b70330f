package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP server metrics.
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authhub_ready",
		Help: "1 when the last readiness check succeeded.",
	})
)

// Authentication and authorization metrics.
var (
	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authhub_authentications_total",
			Help: "Authentication outcomes by winning strategy.",
		},
		[]string{"method", "outcome"},
	)

	permCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authhub_permission_cache_lookups_total",
			Help: "Permission cache lookups by result.",
		},
		[]string{"result"},
	)

	permCacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authhub_permission_cache_invalidations_total",
		Help: "Permission cache invalidations.",
	})

	ssoCodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authhub_sso_codes_total",
			Help: "SSO authorization code events by outcome.",
		},
		[]string{"event", "outcome"},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authhub_rate_limited_total",
			Help: "Requests rejected by a rate limiter.",
		},
		[]string{"limiter"},
	)
)

var initOnce sync.Once

// Init registers the metrics with the default registry once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			authAttempts, permCacheLookups, permCacheInvalidations, ssoCodes, rateLimited,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// AuthOutcome counts one authentication attempt. method is "none" when the
// whole chain failed.
func AuthOutcome(method, outcome string) {
	authAttempts.WithLabelValues(method, outcome).Inc()
}

// PermissionCacheLookup counts a cache hit or miss.
func PermissionCacheLookup(hit bool) {
	if hit {
		permCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	permCacheLookups.WithLabelValues("miss").Inc()
}

// PermissionCacheInvalidated counts a cache invalidation.
func PermissionCacheInvalidated() {
	permCacheInvalidations.Inc()
}

// SSOCode counts an authorization code issue or exchange outcome.
func SSOCode(event, outcome string) {
	ssoCodes.WithLabelValues(event, outcome).Inc()
}

// RateLimited counts a rejection by the named limiter.
func RateLimited(limiter string) {
	rateLimited.WithLabelValues(limiter).Inc()
}

// Instrument records request count, latency and in-flight requests,
// labelled by the matched route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		path := CanonicalPath(r.URL.Path)
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "projects" && parts[3] == "assignments" {
		switch len(parts) {
		case 4:
			return "/v1/projects/:project/assignments"
		case 6:
			return "/v1/projects/:project/assignments/:principal/:role"
		}
	}
	return raw
}

// statusWriter remembers the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
