// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks and delivery anomaly detection for Tripwire.
// Components are nil-safe: when disabled, wrappers skip recording with a
// single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tripwire/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field except Health may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config. A nil config exposes
// metrics and leaves tracing and anomaly detection off.
func New(cfg *config.ObservabilityConfig, version string, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{
		// Health checker is always created; checks are added by the caller.
		Health: NewHealthChecker(logger),
	}

	if cfg.MetricsEnabled() {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, version)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// TraceTracer returns a tracer for spans; a no-op tracer when tracing is off.
func (o *Observability) TraceTracer() trace.Tracer {
	return o.TracerOrNil().Tracer()
}
