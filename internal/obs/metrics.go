package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache request results.
const (
	ResultHit       = "hit"
	ResultRemoteHit = "remote_hit"
	ResultMiss      = "miss"
)

// Fetch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics owns a private registry with the data layer's collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	cacheRequests *prometheus.CounterVec
	retries       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	healthStatus  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	cacheRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimdash_cache_requests_total",
		Help: "Query cache lookups by result",
	}, []string{"cache", "result"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "claimdash_retries_total",
		Help: "Retries of backend operations",
	}, []string{"operation"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "claimdash_fetch_duration_seconds",
		Help:    "Duration of backend fetches on cache miss, retries included",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache", "outcome"})

	healthStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "claimdash_health_status",
		Help: "1 for the current backend health status, 0 otherwise",
	}, []string{"status"})

	registry.MustRegister(cacheRequests, retries, fetchDuration, healthStatus)

	return &Metrics{
		registry:      registry,
		cacheRequests: cacheRequests,
		retries:       retries,
		fetchDuration: fetchDuration,
		healthStatus:  healthStatus,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCacheRequest(cache, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveFetch(cache, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(cache, outcome).Observe(d.Seconds())
}

// SetHealthStatus marks current as the only active status.
func (m *Metrics) SetHealthStatus(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == current {
			value = 1
		}
		m.healthStatus.WithLabelValues(s).Set(value)
	}
}

// CacheRequests exposes the counter for tests and debug endpoints.
func (m *Metrics) CacheRequests() *prometheus.CounterVec {
	return m.cacheRequests
}

// Retries exposes the retry counter.
func (m *Metrics) Retries() *prometheus.CounterVec {
	return m.retries
}

// HealthStatus exposes the health gauge.
func (m *Metrics) HealthStatus() *prometheus.GaugeVec {
	return m.healthStatus
}
