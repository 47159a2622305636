package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/tripwire/internal/config"
	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/signal"
)

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, "test", nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics should be on by default")
	}
	if obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("tracing and anomaly detection should be off by default")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Disabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, "test", nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when disabled")
	}
	if obs.Metrics.RegistryOrNil() != nil {
		t.Error("registry should be nil when metrics are disabled")
	}
	if obs.Anomaly == nil {
		t.Error("anomaly detector should be created when enabled")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.TraceTracer() == nil {
		t.Error("expected a no-op tracer from nil Observability")
	}
}

// --- Tracing ---

func TestNewTracerSetup_Disabled(t *testing.T) {
	for _, cfg := range []*config.TracingConfig{nil, {Endpoint: "localhost:4317"}} {
		ts, err := NewTracerSetup(cfg, "test")
		if err != nil || ts != nil {
			t.Errorf("NewTracerSetup(%+v) = %v, %v; want nil, nil", cfg, ts, err)
		}
	}
}

func TestNewTracerSetup_HTTPExporter(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: true, Protocol: "http", Endpoint: "localhost:4318", Insecure: true}, "test")
	if err != nil {
		t.Fatalf("NewTracerSetup: %v", err)
	}
	if ts.Tracer() == nil {
		t.Error("expected a tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestDispatchSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1.5, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := dispatchSampler(tt.rate).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, "root:"+tt.want) {
			t.Errorf("dispatchSampler(%v) = %q, want parent-based with root %s", tt.rate, desc, tt.want)
		}
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.ChannelAttemptsTotal.WithLabelValues("email", "success").Inc()
	m.SignalFetchTotal.WithLabelValues("host", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/rules", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"tripwire_channel_attempts_total",
		"tripwire_signal_fetch_total",
		"tripwire_http_requests_total",
		"go_goroutines",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); !status.Ready() {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sources", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Ready() {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["store"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("store check = %+v", got)
	}
	if status.Checks["sources"].Status != "ok" {
		t.Errorf("sources check = %q, want ok", status.Checks["sources"].Status)
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	status := h.CheckReady(ctx)
	if status.Ready() {
		t.Error("a check cut off by its deadline should fail")
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	if status := NewHealthChecker(nil).CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordFailure("email")
	a.RecordSuccess("email")
	if a.isFlagged("email") {
		t.Error("nil detector should never flag")
	}
}

func TestAnomalyDetector_FlagsAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	a.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		a.RecordSuccess("email")
	}
	a.RecordFailure("email")
	if a.isFlagged("email") {
		t.Fatal("1 failure in 5 attempts should not flag")
	}

	for i := 0; i < 5; i++ {
		a.RecordFailure("email")
	}
	if !a.isFlagged("email") {
		t.Fatal("6 failures in 10 attempts should flag at a 50% threshold")
	}
	if a.isFlagged("chat_webhook") {
		t.Error("other action kinds are tracked separately")
	}

	now = now.Add(61 * time.Second)
	for i := 0; i < 5; i++ {
		a.RecordSuccess("email")
	}
	if a.isFlagged("email") {
		t.Error("flag should clear once old failures leave the window")
	}
}

func TestAnomalyDetector_TooFewSamples(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.1}, nil)
	for i := 0; i < minSamples-1; i++ {
		a.RecordFailure("email")
	}
	if a.isFlagged("email") {
		t.Error("rate should not be judged below the minimum sample count")
	}
}

// --- InstrumentedDispatcher ---

type stubDispatcher struct {
	result string
	err    error
	calls  int
}

func (s *stubDispatcher) Dispatch(ctx context.Context, rule *domain.Rule, payload domain.Payload) (string, error) {
	s.calls++
	return s.result, s.err
}

func testRule() *domain.Rule {
	return &domain.Rule{
		ID:      uuid.New(),
		OwnerID: "acct-1",
		Trigger: &domain.MetricTrigger{Resource: domain.ResourceStorage, Threshold: 80},
		Action:  &domain.EmailAction{To: "ops@example.com"},
	}
}

func newTestTracer() (*TracerSetup, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &TracerSetup{provider: tp, tracer: tp.Tracer("test")}, rec
}

func TestInstrumentedDispatcher_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	ts, rec := newTestTracer()
	inner := &stubDispatcher{result: "sent"}
	d := NewInstrumentedDispatcher(inner, metrics, ts, nil)

	got, err := d.Dispatch(context.Background(), testRule(), domain.Payload{"timestamp": "now"})
	if err != nil || got != "sent" {
		t.Fatalf("Dispatch = %q, %v", got, err)
	}
	if v := testutil.ToFloat64(metrics.ChannelAttemptsTotal.WithLabelValues("email", "success")); v != 1 {
		t.Errorf("success attempts = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(metrics.ChannelAttemptDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "tripwire.channel.attempt" {
		t.Fatalf("spans = %v", spans)
	}
}

func TestInstrumentedDispatcher_ErrorFeedsAnomaly(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5}, nil)
	inner := &stubDispatcher{err: errors.New("smtp: connection refused")}
	d := NewInstrumentedDispatcher(inner, metrics, nil, anomaly)

	for i := 0; i < minSamples; i++ {
		if _, err := d.Dispatch(context.Background(), testRule(), domain.Payload{}); err == nil {
			t.Fatal("expected error to pass through")
		}
	}
	if v := testutil.ToFloat64(metrics.ChannelAttemptsTotal.WithLabelValues("email", "error")); v != minSamples {
		t.Errorf("error attempts = %v, want %d", v, minSamples)
	}
	if !anomaly.isFlagged("email") {
		t.Error("repeated failures should flag the action kind")
	}
}

func TestInstrumentedDispatcher_NilMetrics(t *testing.T) {
	inner := &stubDispatcher{result: "ok"}
	d := NewInstrumentedDispatcher(inner, nil, nil, nil)
	if _, err := d.Dispatch(context.Background(), testRule(), domain.Payload{}); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

// --- Instrumented signal sources ---

type stubStats struct{ err error }

func (s stubStats) SystemStats(context.Context) (*signal.SystemStats, error) {
	return &signal.SystemStats{CPUPercent: 12}, s.err
}

type stubQueries struct{ err error }

func (s stubQueries) ExecuteQuery(context.Context, string, string) (*signal.QueryResult, error) {
	return &signal.QueryResult{Columns: []string{"n"}}, s.err
}

func TestInstrumentedSignals(t *testing.T) {
	metrics := NewMetricsCollector()

	host := NewInstrumentedMetrics(stubStats{}, metrics)
	if _, err := host.SystemStats(context.Background()); err != nil {
		t.Fatalf("SystemStats error: %v", err)
	}
	failing := NewInstrumentedQueries(stubQueries{err: errors.New("timeout")}, metrics)
	if _, err := failing.ExecuteQuery(context.Background(), "crm", "SELECT 1"); err == nil {
		t.Fatal("expected query error to pass through")
	}

	want := map[[2]string]float64{
		{"host", "success"}:  1,
		{"sql:crm", "error"}: 1,
	}
	for labels, v := range want {
		got := counterValue(t, metrics.Registry, "tripwire_signal_fetch_total",
			prometheus.Labels{"source": labels[0], "status": labels[1]})
		if got != v {
			t.Errorf("fetch_total%v = %v, want %v", labels, got, v)
		}
	}

	// Nil metrics must not panic.
	if _, err := NewInstrumentedMetrics(stubStats{}, nil).SystemStats(context.Background()); err != nil {
		t.Fatalf("SystemStats error: %v", err)
	}
}

// --- HTTP labels ---

func TestRouteLabel(t *testing.T) {
	id := uuid.NewString()
	tests := map[string]string{
		"/v1/rules":                       "/v1/rules",
		"/v1/rules/" + id:                 "/v1/rules/:id",
		"/v1/rules/" + id + "/executions": "/v1/rules/:id/executions",
		"/healthz":                        "/healthz",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
	if statusCode(503) != "503" {
		t.Error("statusCode should format the numeric code")
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
