package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/signal"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeMetrics struct {
	stats *signal.SystemStats
	err   error
	calls int
}

func (f *fakeMetrics) SystemStats(context.Context) (*signal.SystemStats, error) {
	f.calls++
	return f.stats, f.err
}

type fakeQueries struct {
	result *signal.QueryResult
	err    error
	got    []string
}

func (f *fakeQueries) ExecuteQuery(_ context.Context, sourceID, query string) (*signal.QueryResult, error) {
	f.got = append(f.got, sourceID+":"+query)
	return f.result, f.err
}

func rule(tr domain.Trigger) domain.Rule {
	return domain.Rule{
		ID:                uuid.New(),
		OwnerID:           "acct-1",
		Trigger:           tr,
		Action:            &domain.DashboardAction{Title: "x"},
		IsActive:          true,
		EnforcementStatus: domain.EnforcementActive,
	}
}

func TestEvaluateMetrics(t *testing.T) {
	m := &fakeMetrics{stats: &signal.SystemStats{StoragePercent: 95, CPUPercent: 20}}
	e := NewEvaluator(m, nil, discard)
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	storage := rule(&domain.MetricTrigger{Resource: domain.ResourceStorage, Threshold: 90})
	exact := rule(&domain.MetricTrigger{Resource: domain.ResourceStorage, Threshold: 95})
	cpu := rule(&domain.MetricTrigger{Resource: domain.ResourceCPU, Threshold: 80})

	matches, err := e.EvaluateMetrics(context.Background(), []domain.Rule{storage, exact, cpu}, now)
	require.NoError(t, err)
	require.Len(t, matches, 2, "threshold comparison is >=")
	assert.Equal(t, 1, m.calls, "stats fetched once per tick")

	p := matches[0].Payload
	assert.Equal(t, "storage", p["resource"])
	assert.Equal(t, 95.0, p["value"])
	assert.Equal(t, 90.0, p["threshold"])
	assert.Equal(t, 95.0, p["storage_percent"])
	assert.Equal(t, "2026-04-02T09:30:00Z", p["timestamp"])
}

func TestEvaluateMetricsFetchError(t *testing.T) {
	m := &fakeMetrics{err: errors.New("statfs: permission denied")}
	e := NewEvaluator(m, nil, discard)

	matches, err := e.EvaluateMetrics(context.Background(),
		[]domain.Rule{rule(&domain.MetricTrigger{Resource: domain.ResourceStorage, Threshold: 1})}, time.Now())
	assert.Error(t, err)
	assert.Empty(t, matches)

	matches, err = e.EvaluateMetrics(context.Background(), nil, time.Now())
	assert.NoError(t, err)
	assert.Nil(t, matches)
	assert.Equal(t, 1, m.calls, "no rules, no fetch")
}

func TestCronMatchesEveryQuarter(t *testing.T) {
	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	for _, minute := range []int{0, 15, 30, 45} {
		ok, err := CronMatches("*/15 * * * *", base.Add(time.Duration(minute)*time.Minute+20*time.Second))
		require.NoError(t, err)
		assert.True(t, ok, "minute %d", minute)
	}
	for _, minute := range []int{1, 14, 16, 59} {
		ok, err := CronMatches("*/15 * * * *", base.Add(time.Duration(minute)*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "minute %d", minute)
	}
}

func TestCronSixFieldEquivalence(t *testing.T) {
	start := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 24*60; i += 7 {
		at := start.Add(time.Duration(i) * time.Minute)
		five, err := CronMatches("*/15 9-17 * * 1-5", at)
		require.NoError(t, err)
		six, err := CronMatches("30 */15 9-17 * * 1-5", at)
		require.NoError(t, err)
		assert.Equal(t, five, six, "at %s", at)
	}
}

func TestCronGrammar(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 5, 0, 0, time.UTC) // Thursday
	tests := []struct {
		expr string
		want bool
	}{
		{"* * * * *", true},
		{"5 9 * * *", true},
		{"1,5,10 * * * *", true},
		{"0-4 * * * *", false},
		{"5 9 2 4 *", true},
		{"5 9 * * 4", true},
		{"5 9 * * 1-3", false},
		{"0-10/5 * * * *", true},
	}
	for _, tt := range tests {
		got, err := CronMatches(tt.expr, at)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}

	_, err := CronMatches("61 * * * *", at)
	assert.Error(t, err)
	_, err = CronMatches("* * *", at)
	assert.Error(t, err)
}

func TestEvaluateSchedulesSkipsInvalid(t *testing.T) {
	e := NewEvaluator(nil, nil, discard)
	now := time.Date(2026, 4, 2, 9, 15, 3, 0, time.UTC)
	good := rule(&domain.ScheduleTrigger{Cron: "*/15 * * * *"})
	bad := rule(&domain.ScheduleTrigger{Cron: "not a cron at all"})

	matches := e.EvaluateSchedules(context.Background(), []domain.Rule{bad, good}, now)
	require.Len(t, matches, 1)
	assert.Equal(t, good.ID, matches[0].Rule.ID)
	assert.Equal(t, "2026-04-02T09:15:00Z", matches[0].Payload["scheduled_minute"])
}

func TestNextMatches(t *testing.T) {
	from := time.Date(2026, 4, 2, 9, 1, 0, 0, time.UTC)
	next, err := NextMatches("*/15 * * * *", from, 3)
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, 15, next[0].Minute())
	assert.Equal(t, 30, next[1].Minute())
	assert.Equal(t, 45, next[2].Minute())
}

func TestEvaluateQuery(t *testing.T) {
	rows := make([]map[string]any, 0, 12)
	for i := 0; i < 12; i++ {
		rows = append(rows, map[string]any{"id": int64(i + 1), "email": "user@example.com", "row_count": "shadowed"})
	}
	q := &fakeQueries{result: &signal.QueryResult{Columns: []string{"id", "email", "row_count"}, Rows: rows}}
	e := NewEvaluator(nil, q, discard)
	r := rule(&domain.QueryTrigger{SourceID: "crm", QueryID: "overdue", SQL: "SELECT id, email FROM invoices"})

	m, err := e.EvaluateQuery(context.Background(), r, time.Now())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []string{"crm:SELECT id, email FROM invoices"}, q.got)

	assert.Equal(t, 12, m.Payload["row_count"])
	assert.Len(t, m.Payload["rows"], MaxSampleRows)
	assert.Equal(t, int64(1), m.Payload["id"])
	assert.Equal(t, "user@example.com", m.Payload["email"])
	assert.Equal(t, "overdue", m.Payload["query_id"])
}

func TestEvaluateQuerySingleRow(t *testing.T) {
	q := &fakeQueries{result: &signal.QueryResult{
		Columns: []string{"id", "email"},
		Rows:    []map[string]any{{"id": int64(7), "email": "a@b.com"}},
	}}
	e := NewEvaluator(nil, q, discard)
	m, err := e.EvaluateQuery(context.Background(), rule(&domain.QueryTrigger{SourceID: "crm", SQL: "SELECT 1"}), time.Now())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Payload["row_count"])
	assert.Equal(t, []map[string]any{{"id": int64(7), "email": "a@b.com"}}, m.Payload["rows"])
	assert.Equal(t, int64(7), m.Payload["id"])
	assert.Equal(t, "a@b.com", m.Payload["email"])
}

func TestEvaluateQueryEmptyAndError(t *testing.T) {
	q := &fakeQueries{result: &signal.QueryResult{Columns: []string{"id"}}}
	e := NewEvaluator(nil, q, discard)
	r := rule(&domain.QueryTrigger{SourceID: "crm", SQL: "SELECT id FROM t"})

	m, err := e.EvaluateQuery(context.Background(), r, time.Now())
	assert.NoError(t, err)
	assert.Nil(t, m)

	q.err = errors.New("connection reset")
	m, err = e.EvaluateQuery(context.Background(), r, time.Now())
	assert.Error(t, err)
	assert.Nil(t, m)
}

func TestEvaluateEventFilters(t *testing.T) {
	e := NewEvaluator(nil, nil, discard)
	now := time.Now()
	ev := domain.Event{
		Type:       domain.EventUploadCompleted,
		OwnerID:    "acct-1",
		FileName:   "Report.PDF",
		Size:       2048,
		Properties: map[string]any{"folder": "/invoices"},
	}

	all := rule(&domain.EventTrigger{})
	pdf := rule(&domain.EventTrigger{Extensions: []string{".pdf", "docx"}})
	images := rule(&domain.EventTrigger{Extensions: []string{"png"}})
	big := rule(&domain.EventTrigger{MinSizeBytes: 4096})
	exact := rule(&domain.EventTrigger{MinSizeBytes: 2048})
	other := rule(&domain.EventTrigger{EventType: "share.created"})
	foreign := rule(&domain.EventTrigger{})
	foreign.OwnerID = "acct-2"

	matches := e.EvaluateEvent(context.Background(),
		[]domain.Rule{all, pdf, images, big, exact, other, foreign}, ev, now)

	var ids []uuid.UUID
	for _, m := range matches {
		ids = append(ids, m.Rule.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{all.ID, pdf.ID, exact.ID}, ids)

	p := matches[0].Payload
	assert.Equal(t, "pdf", p["file_extension"])
	assert.Equal(t, int64(2048), p["file_size"])
	assert.Equal(t, "/invoices", p["folder"])
	assert.Equal(t, "Report.PDF", p["file_name"])
}

func TestEvaluateEventPredicate(t *testing.T) {
	e := NewEvaluator(nil, nil, discard)
	ev := domain.Event{Type: domain.EventUploadCompleted, FileName: "a.csv", Size: 10,
		Properties: map[string]any{"folder": "/reports"}}

	hit := rule(&domain.EventTrigger{Predicate: `event.folder == "/reports" && event.file_size < 100`})
	miss := rule(&domain.EventTrigger{Predicate: `event.file_size > 100`})
	broken := rule(&domain.EventTrigger{Predicate: `event.folder ==`})

	matches := e.EvaluateEvent(context.Background(), []domain.Rule{hit, miss, broken}, ev, time.Now())
	require.Len(t, matches, 1)
	assert.Equal(t, hit.ID, matches[0].Rule.ID)

	assert.Error(t, e.Predicates().Compile(`)(`))
	assert.NoError(t, e.Predicates().Compile(`event.file_extension == "csv"`))
}

func TestValidateRule(t *testing.T) {
	e := NewEvaluator(nil, nil, discard)
	withAction := func(tr domain.Trigger) *domain.Rule {
		r := rule(tr)
		r.OwnerID = "owner-1"
		r.Action = &domain.DashboardAction{Title: "hit"}
		return &r
	}

	tests := []struct {
		name    string
		trigger domain.Trigger
		wantErr bool
	}{
		{"valid cron", &domain.ScheduleTrigger{Cron: "*/15 * * * *"}, false},
		{"cron out of range", &domain.ScheduleTrigger{Cron: "61 * * * *"}, true},
		{"read-only query", &domain.QueryTrigger{SourceID: "crm", SQL: "SELECT 1"}, false},
		{"write query", &domain.QueryTrigger{SourceID: "crm", SQL: "DELETE FROM users"}, true},
		{"valid predicate", &domain.EventTrigger{Predicate: `event.file_size > 10`}, false},
		{"broken predicate", &domain.EventTrigger{Predicate: `event.file_size >`}, true},
		{"metric", &domain.MetricTrigger{Resource: domain.ResourceCPU, Threshold: 80}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ValidateRule(withAction(tt.trigger))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	missingOwner := withAction(&domain.MetricTrigger{Resource: domain.ResourceCPU, Threshold: 80})
	missingOwner.OwnerID = ""
	assert.Error(t, e.ValidateRule(missingOwner))
}
