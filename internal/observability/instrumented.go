package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/signal"
)

// Dispatcher performs one delivery attempt for a rule's action.
type Dispatcher interface {
	Dispatch(ctx context.Context, rule *domain.Rule, payload domain.Payload) (string, error)
}

// --- InstrumentedDispatcher ---

// InstrumentedDispatcher wraps a Dispatcher with per-attempt metrics,
// tracing and anomaly detection.
type InstrumentedDispatcher struct {
	inner   Dispatcher
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedDispatcher wraps a dispatcher with observability.
func NewInstrumentedDispatcher(inner Dispatcher, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedDispatcher {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedDispatcher{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (d *InstrumentedDispatcher) Dispatch(ctx context.Context, rule *domain.Rule, payload domain.Payload) (string, error) {
	action := string(rule.ActionKind())

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "tripwire.channel.attempt",
			trace.WithAttributes(
				attribute.String("action.kind", action),
				attribute.String("rule.id", rule.ID.String()),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := d.inner.Dispatch(ctx, rule, payload)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if d.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if d.metrics != nil {
		d.metrics.ChannelAttemptsTotal.WithLabelValues(action, status).Inc()
		d.metrics.ChannelAttemptDuration.WithLabelValues(action).Observe(duration)
	}

	if err != nil {
		d.anomaly.RecordFailure(action)
	} else {
		d.anomaly.RecordSuccess(action)
	}

	return result, err
}

// --- Instrumented signal sources ---

// InstrumentedMetrics wraps a signal.MetricsProvider with fetch metrics.
type InstrumentedMetrics struct {
	inner   signal.MetricsProvider
	metrics *MetricsCollector
}

// NewInstrumentedMetrics wraps a host metrics source.
func NewInstrumentedMetrics(inner signal.MetricsProvider, metrics *MetricsCollector) *InstrumentedMetrics {
	return &InstrumentedMetrics{inner: inner, metrics: metrics}
}

func (m *InstrumentedMetrics) SystemStats(ctx context.Context) (*signal.SystemStats, error) {
	start := time.Now()
	stats, err := m.inner.SystemStats(ctx)
	m.metrics.observeFetch("host", start, err)
	return stats, err
}

// InstrumentedQueries wraps a signal.QueryExecutor with fetch metrics
// labelled by data source.
type InstrumentedQueries struct {
	inner   signal.QueryExecutor
	metrics *MetricsCollector
}

// NewInstrumentedQueries wraps a query executor.
func NewInstrumentedQueries(inner signal.QueryExecutor, metrics *MetricsCollector) *InstrumentedQueries {
	return &InstrumentedQueries{inner: inner, metrics: metrics}
}

func (q *InstrumentedQueries) ExecuteQuery(ctx context.Context, sourceID, query string) (*signal.QueryResult, error) {
	start := time.Now()
	res, err := q.inner.ExecuteQuery(ctx, sourceID, query)
	q.metrics.observeFetch("sql:"+sourceID, start, err)
	return res, err
}

func (m *MetricsCollector) observeFetch(source string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SignalFetchTotal.WithLabelValues(source, status).Inc()
	m.SignalFetchDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}

// --- Compile-time interface checks ---

var (
	_ Dispatcher             = (*InstrumentedDispatcher)(nil)
	_ signal.MetricsProvider = (*InstrumentedMetrics)(nil)
	_ signal.QueryExecutor   = (*InstrumentedQueries)(nil)
)
