package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the authorization service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	checksTotal    *prometheus.CounterVec
	cacheEvents    *prometheus.CounterVec
	bypassAttempts *prometheus.CounterVec
	activeBlocks   prometheus.Gauge
	auditDropped   prometheus.CounterFunc
}

// NewMetrics initialises the registry and the base metric set.
// auditDropped may be nil when no audit recorder is wired.
func NewMetrics(auditDropped func() float64) *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aegis_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_permission_checks_total",
		Help: "Permission checks by outcome.",
	}, []string{"outcome"})
	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_permission_cache_events_total",
		Help: "Permission cache events by tier and kind.",
	}, []string{"tier", "event"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_bypass_attempts_total",
		Help: "Detected bypass attempts by type and severity.",
	}, []string{"type", "severity"})
	blocks := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_active_blocks",
		Help: "Currently active enforcement blocks.",
	})
	registry.MustRegister(requests, duration, checks, cacheEvents, attempts, blocks)

	m := &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		checksTotal:     checks,
		cacheEvents:     cacheEvents,
		bypassAttempts:  attempts,
		activeBlocks:    blocks,
	}
	if auditDropped != nil {
		m.auditDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "aegis_audit_entries_dropped_total",
			Help: "Audit entries dropped because the queue was full.",
		}, auditDropped)
		registry.MustRegister(m.auditDropped)
	}
	return m
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveCheck records one permission check outcome.
func (m *Metrics) ObserveCheck(outcome string) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheEvent records a cache event (hit/miss per tier).
func (m *Metrics) ObserveCacheEvent(tier, event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(tier, event).Inc()
}

// ObserveBypassAttempt records a detected attempt.
func (m *Metrics) ObserveBypassAttempt(kind, severity string) {
	if m == nil {
		return
	}
	m.bypassAttempts.WithLabelValues(kind, severity).Inc()
}

// SetActiveBlocks updates the active block gauge.
func (m *Metrics) SetActiveBlocks(count int) {
	if m == nil {
		return
	}
	m.activeBlocks.Set(float64(count))
}

// Registerer exposes the registry for extra metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
