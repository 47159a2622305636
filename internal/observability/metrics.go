package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the process-level Prometheus metrics for Tripwire.
// Uses a custom registry; engine metrics register on the same registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Channel delivery metrics, one observation per attempt.
	ChannelAttemptsTotal   *prometheus.CounterVec
	ChannelAttemptDuration *prometheus.HistogramVec

	// Signal source metrics.
	SignalFetchTotal    *prometheus.CounterVec
	SignalFetchDuration *prometheus.HistogramVec

	// HTTP surface metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry, plus the Go runtime and process collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ChannelAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripwire",
			Subsystem: "channel",
			Name:      "attempts_total",
			Help:      "Delivery attempts by action kind and outcome.",
		}, []string{"action", "status"}),

		ChannelAttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripwire",
			Subsystem: "channel",
			Name:      "attempt_duration_seconds",
			Help:      "Delivery attempt duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}, []string{"action"}),

		SignalFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripwire",
			Subsystem: "signal",
			Name:      "fetch_total",
			Help:      "Signal source reads by source and outcome.",
		}, []string{"source", "status"}),

		SignalFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripwire",
			Subsystem: "signal",
			Name:      "fetch_duration_seconds",
			Help:      "Signal source read duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tripwire",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ChannelAttemptsTotal,
		m.ChannelAttemptDuration,
		m.SignalFetchTotal,
		m.SignalFetchDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the registry, or nil when metrics are disabled.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
