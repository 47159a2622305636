// Package trigger decides whether a rule's condition holds against the
// current signals and builds the payload handed to its action.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/signal"
)

// MaxSampleRows bounds the rows copied into a data_query payload.
const MaxSampleRows = 10

// reserved payload keys a promoted query column may not overwrite.
var reservedQueryKeys = map[string]struct{}{
	"row_count": {}, "rows": {}, "columns": {}, "timestamp": {},
	"source_id": {}, "query_id": {},
}

// Match is a rule whose condition holds, with the payload for its action.
type Match struct {
	Rule    domain.Rule
	Payload domain.Payload
}

// Evaluator evaluates rules of every trigger kind.
type Evaluator struct {
	metrics    signal.MetricsProvider
	queries    signal.QueryExecutor
	predicates *Predicates
	logger     *slog.Logger
}

// NewEvaluator creates an Evaluator. metrics and queries may be nil when the
// corresponding trigger kinds are not in use.
func NewEvaluator(metrics signal.MetricsProvider, queries signal.QueryExecutor, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		metrics:    metrics,
		queries:    queries,
		predicates: NewPredicates(),
		logger:     logger,
	}
}

// Predicates exposes the predicate cache for rule validation.
func (e *Evaluator) Predicates() *Predicates { return e.predicates }

// ValidateRule checks a rule before it is stored: its shape, the cron
// grammar, the query statement and any event predicate.
func (e *Evaluator) ValidateRule(r *domain.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	switch t := r.Trigger.(type) {
	case *domain.ScheduleTrigger:
		if _, err := ParseCron(t.Cron); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	case *domain.QueryTrigger:
		if err := signal.ValidateReadOnly(t.SQL); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	case *domain.EventTrigger:
		if t.Predicate != "" {
			if err := e.predicates.Compile(t.Predicate); err != nil {
				return fmt.Errorf("trigger: predicate: %w", err)
			}
		}
	}
	return nil
}

// EvaluateMetrics fetches host stats once and returns every metric rule at or above its threshold.
// A fetch error is returned as-is so the caller can skip the tick.
func (e *Evaluator) EvaluateMetrics(ctx context.Context, rules []domain.Rule, now time.Time) ([]Match, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	if e.metrics == nil {
		return nil, fmt.Errorf("no metrics provider configured")
	}
	stats, err := e.metrics.SystemStats(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, r := range rules {
		t, ok := r.Trigger.(*domain.MetricTrigger)
		if !ok {
			continue
		}
		if payload, ok := MetricPayload(t, stats, now); ok {
			matches = append(matches, Match{Rule: r, Payload: payload})
		}
	}
	return matches, nil
}

// MetricPayload reports whether stats meet the trigger threshold and builds the payload.
func MetricPayload(t *domain.MetricTrigger, stats *signal.SystemStats, now time.Time) (domain.Payload, bool) {
	value, ok := stats.Value(t.Resource)
	if !ok || value < t.Threshold {
		return nil, false
	}
	payload := domain.Payload{
		"resource":  string(t.Resource),
		"value":     value,
		"threshold": t.Threshold,
		"timestamp": timestamp(now),
	}
	payload[string(t.Resource)+"_percent"] = value
	return payload, true
}

// EvaluateSchedules returns the scheduled rules whose cron matches the minute of now.
// Rules with an invalid expression are logged and never match.
func (e *Evaluator) EvaluateSchedules(ctx context.Context, rules []domain.Rule, now time.Time) []Match {
	var matches []Match
	for _, r := range rules {
		t, ok := r.Trigger.(*domain.ScheduleTrigger)
		if !ok {
			continue
		}
		hit, err := CronMatches(t.Cron, now)
		if err != nil {
			e.logger.WarnContext(ctx, "invalid cron expression",
				slog.String("rule_id", r.ID.String()),
				slog.String("cron", t.Cron),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !hit {
			continue
		}
		matches = append(matches, Match{Rule: r, Payload: domain.Payload{
			"cron":             t.Cron,
			"scheduled_minute": now.Truncate(time.Minute).UTC().Format(time.RFC3339),
			"timestamp":        timestamp(now),
		}})
	}
	return matches
}

// EvaluateQuery runs a data_query rule's stored query. It returns nil when the
// result is empty and an error when the executor fails.
func (e *Evaluator) EvaluateQuery(ctx context.Context, rule domain.Rule, now time.Time) (*Match, error) {
	t, ok := rule.Trigger.(*domain.QueryTrigger)
	if !ok {
		return nil, fmt.Errorf("rule %s is not a data_query rule", rule.ID)
	}
	if e.queries == nil {
		return nil, fmt.Errorf("no query executor configured")
	}
	res, err := e.queries.ExecuteQuery(ctx, t.SourceID, t.SQL)
	if err != nil {
		return nil, err
	}
	payload, ok := QueryPayload(t, res, now)
	if !ok {
		return nil, nil
	}
	return &Match{Rule: rule, Payload: payload}, nil
}

// QueryPayload builds the payload for a non-empty result: the row count, up to
// MaxSampleRows sample rows, and the first row's columns promoted to top level.
func QueryPayload(t *domain.QueryTrigger, res *signal.QueryResult, now time.Time) (domain.Payload, bool) {
	if res == nil || len(res.Rows) == 0 {
		return nil, false
	}
	sample := res.Rows
	if len(sample) > MaxSampleRows {
		sample = sample[:MaxSampleRows]
	}

	payload := domain.Payload{}
	for k, v := range res.Rows[0] {
		if _, reserved := reservedQueryKeys[k]; reserved {
			continue
		}
		payload[k] = v
	}
	payload["row_count"] = len(res.Rows)
	payload["rows"] = sample
	payload["columns"] = res.Columns
	payload["source_id"] = t.SourceID
	if t.QueryID != "" {
		payload["query_id"] = t.QueryID
	}
	payload["timestamp"] = timestamp(now)
	return payload, true
}

// EvaluateEvent returns the event rules the event satisfies.
func (e *Evaluator) EvaluateEvent(ctx context.Context, rules []domain.Rule, ev domain.Event, now time.Time) []Match {
	var matches []Match
	for _, r := range rules {
		t, ok := r.Trigger.(*domain.EventTrigger)
		if !ok {
			continue
		}
		if r.OwnerID != "" && ev.OwnerID != "" && r.OwnerID != ev.OwnerID {
			continue
		}
		payload, ok := EventPayload(t, ev, now)
		if !ok {
			continue
		}
		if t.Predicate != "" {
			hit, err := e.predicates.Eval(ctx, t.Predicate, payload)
			if err != nil {
				e.logger.WarnContext(ctx, "event predicate failed",
					slog.String("rule_id", r.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !hit {
				continue
			}
		}
		matches = append(matches, Match{Rule: r, Payload: payload})
	}
	return matches
}

// EventPayload applies the type, extension and size filters and builds the payload.
func EventPayload(t *domain.EventTrigger, ev domain.Event, now time.Time) (domain.Payload, bool) {
	if ev.Type != t.Type() {
		return nil, false
	}
	ext := FileExtension(ev.FileName)
	if len(t.Extensions) > 0 && !extensionAllowed(t.Extensions, ext) {
		return nil, false
	}
	if ev.Size < t.MinSizeBytes {
		return nil, false
	}

	payload := domain.Payload{}
	for k, v := range ev.Properties {
		payload[k] = v
	}
	payload["event_type"] = ev.Type
	payload["owner_id"] = ev.OwnerID
	payload["file_name"] = ev.FileName
	payload["file_extension"] = ext
	payload["file_size"] = ev.Size
	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}
	payload["timestamp"] = timestamp(at)
	return payload, true
}

// FileExtension returns the lower-cased extension without its dot.
func FileExtension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func extensionAllowed(allowed []string, ext string) bool {
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), ".")) == ext {
			return true
		}
	}
	return false
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
