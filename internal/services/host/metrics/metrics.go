// Package metrics defines the host's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors registered for one host. Each host owns its
// registry so several hosts can run in one process.
type Metrics struct {
	registry        *prometheus.Registry
	tokensIssued    *prometheus.CounterVec
	tokenVerifies   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	keysLoaded      prometheus.Gauge
	hostStateChange *prometheus.CounterVec
}

// New registers the host collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dualhost_tokens_issued_total",
			Help: "Tokens issued, by signing algorithm.",
		}, []string{"alg"}),
		tokenVerifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dualhost_token_verifications_total",
			Help: "Token verifications, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dualhost_http_requests_total",
			Help: "HTTP requests served, by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dualhost_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		keysLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dualhost_keys_loaded",
			Help: "Keys currently held by the key store.",
		}),
		hostStateChange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dualhost_host_state_transitions_total",
			Help: "Service host lifecycle transitions, by target state.",
		}, []string{"state"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokensIssued,
		m.tokenVerifies,
		m.httpRequests,
		m.httpDuration,
		m.keysLoaded,
		m.hostStateChange,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TokenIssued implements token.Recorder.
func (m *Metrics) TokenIssued(algorithm string) {
	m.tokensIssued.WithLabelValues(algorithm).Inc()
}

// TokenVerified implements token.Recorder.
func (m *Metrics) TokenVerified(result string) {
	m.tokenVerifies.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// SetKeysLoaded records the key store size.
func (m *Metrics) SetKeysLoaded(n int) {
	m.keysLoaded.Set(float64(n))
}

// HostState records a lifecycle transition.
func (m *Metrics) HostState(state string) {
	m.hostStateChange.WithLabelValues(state).Inc()
}
