// Package metrics exposes Prometheus metrics for the API client and the store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "todo"

// Metrics holds the client-side collectors. A nil *Metrics records nothing.
type Metrics struct {
	// API request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Store metrics
	StaleResponses       *prometheus.CounterVec
	StatsRefreshFailures prometheus.Counter
	CacheSize            prometheus.Gauge
}

// New registers the collectors with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of requests sent to the todo API",
			},
			[]string{"code", "method"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Todo API request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_requests_in_flight",
			Help:      "Requests to the todo API awaiting a response",
		}),
		StaleResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_stale_responses_total",
				Help:      "Responses discarded because a newer request superseded them",
			},
			[]string{"operation"},
		),
		StatsRefreshFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_stats_refresh_failures_total",
			Help:      "Stats refreshes that failed and kept the previous stats",
		}),
		CacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_cached_todos",
			Help:      "Number of todos held in the local cache",
		}),
	}
}

// InstrumentRoundTripper wraps next with request counting and timing.
func (m *Metrics) InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if m == nil {
		return next
	}
	return promhttp.InstrumentRoundTripperInFlight(m.RequestsInFlight,
		promhttp.InstrumentRoundTripperCounter(m.RequestsTotal,
			promhttp.InstrumentRoundTripperDuration(m.RequestDuration, next)))
}

// StaleResponse counts a discarded response for operation.
func (m *Metrics) StaleResponse(operation string) {
	if m == nil {
		return
	}
	m.StaleResponses.WithLabelValues(operation).Inc()
}

// StatsRefreshFailed counts a failed stats refresh.
func (m *Metrics) StatsRefreshFailed() {
	if m == nil {
		return
	}
	m.StatsRefreshFailures.Inc()
}

// SetCacheSize records the number of cached todos.
func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheSize.Set(float64(n))
}
