// Package engine runs the automation rule loop: it polls signal sources on
// fixed tickers, accepts pushed events, applies the debounce window and hands
// matching rules to the action dispatcher in detached goroutines, recording
// exactly one execution log entry per dispatch sequence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/tripwire/internal/dedup"
	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/notification"
	"github.com/jkaninda/tripwire/internal/retry"
	"github.com/jkaninda/tripwire/internal/signal"
	"github.com/jkaninda/tripwire/internal/trigger"
)

// Signal classes used for tick loops and metric labels.
const (
	ClassMetrics  = "metrics"
	ClassSchedule = "schedule"
	ClassQuery    = "query"
	ClassEvent    = "event"
)

// RuleStore is the engine's view of rule persistence.
type RuleStore interface {
	ListActiveRules(ctx context.Context, kind domain.TriggerKind) ([]domain.Rule, error)
	MarkLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ExecutionLog is the engine's view of the run history.
type ExecutionLog interface {
	Append(ctx context.Context, entry *domain.ExecutionLogEntry) error
	ListSince(ctx context.Context, since time.Time) ([]domain.ExecutionLogEntry, error)
}

// LogPruner is implemented by execution logs that support retention.
type LogPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Dispatcher performs a rule's action once.
type Dispatcher interface {
	Dispatch(ctx context.Context, rule *domain.Rule, payload domain.Payload) (string, error)
}

// Config tunes the engine. A nil *Config uses defaults throughout.
type Config struct {
	TickInterval         time.Duration  // Metrics and schedule loop. Default: 30s.
	QueryTickInterval    time.Duration  // Data-query loop. Default: 30s.
	Location             *time.Location // Wall clock for cron matching. Default: UTC.
	Retry                retry.Policy   // Default: 3 attempts, 2s then 4s.
	FailFastConfigErrors bool           // Stop retrying on notification.ErrConfiguration.
	LogRetention         time.Duration  // Prune older log entries hourly; 0 disables.
}

func (c *Config) tickInterval() time.Duration {
	if c != nil && c.TickInterval > 0 {
		return c.TickInterval
	}
	return 30 * time.Second
}

func (c *Config) queryTickInterval() time.Duration {
	if c != nil && c.QueryTickInterval > 0 {
		return c.QueryTickInterval
	}
	return 30 * time.Second
}

func (c *Config) location() *time.Location {
	if c != nil && c.Location != nil {
		return c.Location
	}
	return time.UTC
}

func (c *Config) retryPolicy() retry.Policy {
	if c != nil && c.Retry.MaxAttempts > 0 {
		return c.Retry
	}
	return retry.DefaultPolicy
}

func (c *Config) failFast() bool { return c != nil && c.FailFastConfigErrors }

func (c *Config) logRetention() time.Duration {
	if c != nil && c.LogRetention > 0 {
		return c.LogRetention
	}
	return 0
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg *Config) Option { return func(e *Engine) { e.config = cfg } }

// WithClock replaces the wall clock.
func WithClock(c signal.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithSleep replaces the retry back-off sleep.
func WithSleep(fn func(time.Duration)) Option { return func(e *Engine) { e.sleep = fn } }

// WithTracker shares a debounce tracker.
func WithTracker(t *dedup.Tracker) Option { return func(e *Engine) { e.tracker = t } }

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer enables a span per dispatch sequence.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// Engine evaluates active rules and dispatches their actions.
type Engine struct {
	rules      RuleStore
	execLog    ExecutionLog
	evaluator  *trigger.Evaluator
	dispatcher Dispatcher
	logger     *slog.Logger

	config  *Config
	clock   signal.Clock
	sleep   func(time.Duration)
	tracker *dedup.Tracker
	retry   *retry.Controller
	metrics *Metrics
	tracer  trace.Tracer

	wg sync.WaitGroup

	queryMu      sync.Mutex
	queryLastRun map[uuid.UUID]time.Time
}

// New creates an Engine.
func New(rules RuleStore, execLog ExecutionLog, evaluator *trigger.Evaluator, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:        rules,
		execLog:      execLog,
		evaluator:    evaluator,
		dispatcher:   dispatcher,
		logger:       logger,
		clock:        signal.SystemClock{},
		sleep:        time.Sleep,
		tracker:      dedup.New(),
		tracer:       noop.NewTracerProvider().Tracer(""),
		queryLastRun: make(map[uuid.UUID]time.Time),
	}
	for _, o := range opts {
		o(e)
	}

	retryOpts := []retry.Option{
		retry.WithPolicy(e.config.retryPolicy()),
		retry.WithSleep(e.sleep),
		retry.WithLogger(logger),
	}
	if e.config.failFast() {
		retryOpts = append(retryOpts, retry.WithPermanent(func(err error) bool {
			return errors.Is(err, notification.ErrConfiguration)
		}))
	}
	e.retry = retry.New(retryOpts...)
	return e
}

// Tracker exposes the debounce tracker.
func (e *Engine) Tracker() *dedup.Tracker { return e.tracker }

// Start rebuilds the debounce state and begins the tick loops.
// Returns a cancel function that stops the loops; in-flight dispatches keep
// running until they finish (see Wait).
func (e *Engine) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	if err := e.RebuildDedup(ctx); err != nil {
		e.logger.ErrorContext(ctx, "dedup rebuild failed", slog.String("error", err.Error()))
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		e.loop(ctx, ClassMetrics, e.config.tickInterval(), func(ctx context.Context) {
			e.TickMetrics(ctx)
			e.TickSchedules(ctx)
		})
	}()
	go func() {
		defer loops.Done()
		e.loop(ctx, ClassQuery, e.config.queryTickInterval(), e.TickQueries)
	}()
	if retention := e.config.logRetention(); retention > 0 {
		loops.Add(1)
		go func() {
			defer loops.Done()
			e.loop(ctx, "retention", time.Hour, e.PruneLog)
		}()
	}

	e.logger.InfoContext(ctx, "rule engine started",
		slog.String("tick_interval", e.config.tickInterval().String()),
		slog.String("query_tick_interval", e.config.queryTickInterval().String()),
		slog.String("timezone", e.config.location().String()),
		slog.Bool("fail_fast_config_errors", e.config.failFast()),
	)

	return func() {
		cancel()
		loops.Wait()
	}
}

// Wait blocks until every detached dispatch sequence has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context, class string, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("rule engine loop stopped", slog.String("class", class))
			return
		case <-ticker.C:
			e.safely(ctx, class, tick)
		}
	}
}

// safely runs fn, recovering panics so one bad tick never kills a loop.
func (e *Engine) safely(ctx context.Context, class string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "rule engine tick panicked",
				slog.String("class", class),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(ctx)
}

// RebuildDedup seeds the debounce tracker from recent execution log entries
// so a restart does not re-fire rules still inside their window.
func (e *Engine) RebuildDedup(ctx context.Context) error {
	window := domain.DefaultDebounce
	rules, err := e.rules.ListActiveRules(ctx, "")
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	for i := range rules {
		if w := rules[i].MinInterval(); w > window {
			window = w
		}
	}

	entries, err := e.execLog.ListSince(ctx, e.clock.Now().Add(-window))
	if err != nil {
		return fmt.Errorf("reading execution log: %w", err)
	}
	seeded := e.tracker.Rebuild(entries)
	e.logger.InfoContext(ctx, "dedup state rebuilt",
		slog.Int("rules", seeded),
		slog.String("window", window.String()),
	)
	return nil
}

// TickMetrics evaluates metric_threshold rules against one stats snapshot.
func (e *Engine) TickMetrics(ctx context.Context) {
	start := time.Now()
	defer e.observeTick(ClassMetrics, start)

	rules, ok := e.listRules(ctx, domain.TriggerMetricThreshold)
	if !ok || len(rules) == 0 {
		return
	}
	now := e.clock.Now()
	matches, err := e.evaluator.EvaluateMetrics(ctx, rules, now)
	if err != nil {
		e.signalError(ctx, ClassMetrics, err)
		return
	}
	for _, m := range matches {
		e.fire(ctx, m, now)
	}
}

// TickSchedules evaluates scheduled rules against the current wall-clock minute.
func (e *Engine) TickSchedules(ctx context.Context) {
	start := time.Now()
	defer e.observeTick(ClassSchedule, start)

	rules, ok := e.listRules(ctx, domain.TriggerScheduled)
	if !ok || len(rules) == 0 {
		return
	}
	now := e.clock.Now()
	for _, m := range e.evaluator.EvaluateSchedules(ctx, rules, now.In(e.config.location())) {
		e.fire(ctx, m, now)
	}
}

// TickQueries runs each due data_query rule's query.
func (e *Engine) TickQueries(ctx context.Context) {
	start := time.Now()
	defer e.observeTick(ClassQuery, start)

	rules, ok := e.listRules(ctx, domain.TriggerDataQuery)
	if !ok {
		return
	}
	now := e.clock.Now()
	for _, rule := range rules {
		if !rule.Runnable() || !e.queryDue(rule, now) {
			continue
		}
		m, err := e.evaluator.EvaluateQuery(ctx, rule, now)
		if err != nil {
			e.signalError(ctx, ClassQuery, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		e.markQueried(rule.ID, now)
		if m != nil {
			e.fire(ctx, *m, now)
		}
	}
}

// queryDue enforces PollMinutes. A failed query is not recorded, so the
// rule is retried on the next tick.
func (e *Engine) queryDue(rule domain.Rule, now time.Time) bool {
	t, ok := rule.Trigger.(*domain.QueryTrigger)
	if !ok {
		return false
	}
	if t.PollMinutes <= 0 {
		return true
	}
	e.queryMu.Lock()
	defer e.queryMu.Unlock()
	last, seen := e.queryLastRun[rule.ID]
	return !seen || now.Sub(last) >= time.Duration(t.PollMinutes)*time.Minute
}

func (e *Engine) markQueried(ruleID uuid.UUID, now time.Time) {
	e.queryMu.Lock()
	e.queryLastRun[ruleID] = now
	e.queryMu.Unlock()
}

// Forget drops all per-rule state held in memory, e.g. after the rule is
// deleted.
func (e *Engine) Forget(ruleID uuid.UUID) {
	e.tracker.Forget(ruleID)
	e.queryMu.Lock()
	delete(e.queryLastRun, ruleID)
	e.queryMu.Unlock()
}

// OnEvent evaluates event rules synchronously and starts a detached dispatch
// for each match. It returns the number of dispatches started.
func (e *Engine) OnEvent(ctx context.Context, ev domain.Event) int {
	start := time.Now()
	defer e.observeTick(ClassEvent, start)

	rules, ok := e.listRules(ctx, domain.TriggerEvent)
	if !ok || len(rules) == 0 {
		return 0
	}
	now := e.clock.Now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	started := 0
	for _, m := range e.evaluator.EvaluateEvent(ctx, rules, ev, now) {
		if e.fire(ctx, m, now) {
			started++
		}
	}
	return started
}

// PruneLog deletes execution log entries older than the retention window.
func (e *Engine) PruneLog(ctx context.Context) {
	retention := e.config.logRetention()
	pruner, ok := e.execLog.(LogPruner)
	if retention == 0 || !ok {
		return
	}
	n, err := pruner.DeleteBefore(ctx, e.clock.Now().Add(-retention))
	if err != nil {
		e.logger.ErrorContext(ctx, "execution log pruning failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "execution log pruned", slog.Int64("deleted", n))
	}
}

func (e *Engine) listRules(ctx context.Context, kind domain.TriggerKind) ([]domain.Rule, bool) {
	rules, err := e.rules.ListActiveRules(ctx, kind)
	if err != nil {
		e.logger.ErrorContext(ctx, "listing active rules failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	runnable := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Runnable() {
			runnable = append(runnable, r)
		}
	}
	return runnable, true
}

func (e *Engine) signalError(ctx context.Context, class string, err error) {
	e.logger.WarnContext(ctx, "signal source failed, skipping tick",
		slog.String("class", class),
		slog.String("error", err.Error()),
	)
	if e.metrics != nil {
		e.metrics.SignalErrors.WithLabelValues(class).Inc()
	}
}

func (e *Engine) observeTick(class string, start time.Time) {
	if e.metrics != nil {
		e.metrics.Ticks.WithLabelValues(class).Inc()
		e.metrics.TickDuration.WithLabelValues(class).Observe(time.Since(start).Seconds())
	}
}

// fire applies the debounce window and, when acquired, dispatches in a
// detached goroutine. The fire time is recorded before dispatch begins.
func (e *Engine) fire(ctx context.Context, m trigger.Match, now time.Time) bool {
	rule := m.Rule
	kind := string(rule.TriggerKind())
	if !rule.Runnable() {
		return false
	}
	if !e.tracker.TryAcquire(rule.ID, rule.MinInterval(), now) {
		e.logger.DebugContext(ctx, "rule inside debounce window",
			slog.String("rule_id", rule.ID.String()),
			slog.String("trigger", kind),
		)
		if e.metrics != nil {
			e.metrics.RulesSuppressed.WithLabelValues(kind).Inc()
		}
		return false
	}
	if e.metrics != nil {
		e.metrics.RulesMatched.WithLabelValues(kind).Inc()
	}

	e.logger.InfoContext(ctx, "rule triggered",
		slog.String("rule_id", rule.ID.String()),
		slog.String("name", rule.Name),
		slog.String("trigger", kind),
		slog.String("action", string(rule.ActionKind())),
	)

	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(detached, rule, m.Payload)
	}()
	return true
}

// dispatch runs the retry sequence and writes its single log entry.
func (e *Engine) dispatch(ctx context.Context, rule domain.Rule, payload domain.Payload) {
	ctx, span := e.tracer.Start(ctx, "tripwire.dispatch", trace.WithAttributes(
		attribute.String("rule.id", rule.ID.String()),
		attribute.String("rule.owner", rule.OwnerID),
		attribute.String("trigger.kind", string(rule.TriggerKind())),
		attribute.String("action.kind", string(rule.ActionKind())),
	))
	defer span.End()

	out := e.retry.Run(ctx, func(ctx context.Context, attempt int) (result string, err error) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.ErrorContext(ctx, "dispatch panicked",
					slog.String("rule_id", rule.ID.String()),
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("dispatch panicked: %v", r)
			}
		}()
		return e.dispatcher.Dispatch(ctx, &rule, payload)
	})

	entry := &domain.ExecutionLogEntry{
		ID:              uuid.New(),
		RuleID:          rule.ID,
		OwnerID:         rule.OwnerID,
		TriggerKind:     rule.TriggerKind(),
		ActionKind:      rule.ActionKind(),
		PayloadSnapshot: Snapshot(payload, MaxSnapshotBytes),
		AttemptCount:    out.Attempts,
		CreatedAt:       e.clock.Now().UTC(),
	}
	if out.Succeeded() {
		entry.Status = domain.ExecutionSuccess
		entry.Result = out.Result
		span.SetStatus(codes.Ok, "")
	} else {
		entry.Status = domain.ExecutionFailed
		if out.Err != nil {
			entry.Error = out.Err.Error()
			span.RecordError(out.Err)
		}
		span.SetStatus(codes.Error, entry.Error)
	}
	span.SetAttributes(attribute.Int("dispatch.attempts", out.Attempts))

	if err := e.execLog.Append(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "failed to record execution",
			slog.String("rule_id", rule.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if out.Succeeded() {
		if err := e.rules.MarkLastTriggered(ctx, rule.ID, entry.CreatedAt); err != nil {
			e.logger.ErrorContext(ctx, "failed to mark rule triggered",
				slog.String("rule_id", rule.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.metrics != nil {
		e.metrics.Dispatches.WithLabelValues(string(rule.ActionKind()), string(entry.Status)).Inc()
		e.metrics.DispatchAttempts.Observe(float64(out.Attempts))
	}

	e.logger.InfoContext(ctx, "rule execution recorded",
		slog.String("rule_id", rule.ID.String()),
		slog.String("status", string(entry.Status)),
		slog.Int("attempts", out.Attempts),
	)
}
