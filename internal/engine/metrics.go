package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the rule engine.
type Metrics struct {
	Ticks            *prometheus.CounterVec
	RulesMatched     *prometheus.CounterVec
	RulesSuppressed  *prometheus.CounterVec
	SignalErrors     *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	DispatchAttempts prometheus.Histogram
	TickDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers engine metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripwire",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Total evaluation ticks by signal class.",
		}, []string{"class"}),
		RulesMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripwire",
			Subsystem: "engine",
			Name:      "rules_matched_total",
			Help:      "Rules whose condition held and that passed the debounce window.",
		}, []string{"kind"}),
		RulesSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripwire",
			Subsystem: "engine",
			Name:      "rules_suppressed_total",
			Help:      "Rules whose condition held but were inside their debounce window.",
		}, []string{"kind"}),
		SignalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripwire",
			Subsystem: "engine",
			Name:      "signal_errors_total",
			Help:      "Signal source failures that skipped a tick.",
		}, []string{"class"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripwire",
			Subsystem: "engine",
			Name:      "dispatch_total",
			Help:      "Completed dispatch sequences by action kind and final status.",
		}, []string{"action", "status"}),
		DispatchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tripwire",
			Subsystem: "engine",
			Name:      "dispatch_attempts",
			Help:      "Attempts used per dispatch sequence.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripwire",
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each evaluation tick (fetch + evaluate).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"class"}),
	}

	reg.MustRegister(
		m.Ticks,
		m.RulesMatched,
		m.RulesSuppressed,
		m.SignalErrors,
		m.Dispatches,
		m.DispatchAttempts,
		m.TickDuration,
	)

	return m
}
