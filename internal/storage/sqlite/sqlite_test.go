package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "tripwire.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func metricRule(owner string) *domain.Rule {
	return &domain.Rule{
		OwnerID:           owner,
		Name:              "disk",
		Trigger:           &domain.MetricTrigger{Resource: domain.ResourceStorage, Threshold: 80},
		Action:            &domain.DashboardAction{Title: "Disk", Message: "{{value}}%"},
		IsActive:          true,
		EnforcementStatus: domain.EnforcementActive,
	}
}

func TestRules_CreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := &domain.Rule{
		OwnerID:           "acct-1",
		Name:              "orders",
		Trigger:           &domain.QueryTrigger{SourceID: "shop", SQL: "SELECT 1", PollMinutes: 5, DebounceMinutes: 10},
		Action:            &domain.WebhookAction{URL: "https://api.test/x", Headers: map[string]string{"X-A": "b"}},
		IsActive:          true,
		EnforcementStatus: domain.EnforcementActive,
	}
	require.NoError(t, s.Rules().Create(ctx, rule))
	require.NotEqual(t, uuid.Nil, rule.ID)

	got, err := s.Rules().Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Name)
	q, ok := got.Trigger.(*domain.QueryTrigger)
	require.True(t, ok)
	assert.Equal(t, 10, q.DebounceMinutes)
	w, ok := got.Action.(*domain.WebhookAction)
	require.True(t, ok)
	assert.Equal(t, "b", w.Headers["X-A"])
	assert.Nil(t, got.LastTriggeredAt)

	_, err = s.Rules().Get(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRules_ListActiveFiltersRunnable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rules := s.Rules()

	active := metricRule("a")
	inactive := metricRule("a")
	inactive.IsActive = false
	suspended := metricRule("a")
	sched := &domain.Rule{
		OwnerID:           "a",
		Name:              "cron",
		Trigger:           &domain.ScheduleTrigger{Cron: "0 9 * * *"},
		Action:            &domain.DashboardAction{Title: "t", Message: "m"},
		IsActive:          true,
		EnforcementStatus: domain.EnforcementActive,
	}
	for _, r := range []*domain.Rule{active, inactive, suspended, sched} {
		require.NoError(t, rules.Create(ctx, r))
	}
	require.NoError(t, rules.SetEnforcementStatus(ctx, suspended.ID, domain.EnforcementSuspended))

	metrics, err := rules.ListActiveRules(ctx, domain.TriggerMetricThreshold)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, active.ID, metrics[0].ID)

	all, err := rules.ListActiveRules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, rules.SetActive(ctx, inactive.ID, true))
	metrics, err = rules.ListActiveRules(ctx, domain.TriggerMetricThreshold)
	require.NoError(t, err)
	assert.Len(t, metrics, 2)
}

func TestRules_ListActiveSkipsUndecodableRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rules := s.Rules()

	good := metricRule("a")
	broken := metricRule("a")
	require.NoError(t, rules.Create(ctx, good))
	require.NoError(t, rules.Create(ctx, broken))
	require.NoError(t, s.GormDB().Exec(
		"UPDATE automation_rules SET action_config = ? WHERE id = ?", "{not json", broken.ID,
	).Error)

	metrics, err := rules.ListActiveRules(ctx, domain.TriggerMetricThreshold)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, good.ID, metrics[0].ID)

	all, err := rules.ListActiveRules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	owned, err := rules.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestRules_MarkLastTriggeredLeavesUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := metricRule("a")
	require.NoError(t, s.Rules().Create(ctx, rule))
	before, err := s.Rules().Get(ctx, rule.ID)
	require.NoError(t, err)

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Rules().MarkLastTriggered(ctx, rule.ID, at))

	after, err := s.Rules().Get(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastTriggeredAt)
	assert.True(t, at.Equal(*after.LastTriggeredAt))
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	assert.ErrorIs(t, s.Rules().MarkLastTriggered(ctx, uuid.New(), at), storage.ErrNotFound)
}

func TestRules_UpdateAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := metricRule("a")
	require.NoError(t, s.Rules().Create(ctx, rule))

	rule.Name = "disk-90"
	rule.Trigger = &domain.MetricTrigger{Resource: domain.ResourceStorage, Threshold: 90}
	require.NoError(t, s.Rules().Update(ctx, rule))

	got, err := s.Rules().Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "disk-90", got.Name)
	assert.Equal(t, 90.0, got.Trigger.(*domain.MetricTrigger).Threshold)

	require.NoError(t, s.Rules().Delete(ctx, rule.ID))
	_, err = s.Rules().Get(ctx, rule.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.Rules().List(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestExecutionLog_AppendListPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	log := s.ExecutionLog()
	ruleID := uuid.New()

	old := &domain.ExecutionLogEntry{
		RuleID: ruleID, OwnerID: "a", TriggerKind: domain.TriggerEvent, ActionKind: domain.ActionEmail,
		Status: domain.ExecutionFailed, Error: "smtp down", AttemptCount: 3,
		PayloadSnapshot: []byte(`{"file_name":"a.pdf"}`),
		CreatedAt:       time.Now().UTC().Add(-48 * time.Hour),
	}
	recent := &domain.ExecutionLogEntry{
		RuleID: ruleID, OwnerID: "a", TriggerKind: domain.TriggerEvent, ActionKind: domain.ActionEmail,
		Status: domain.ExecutionSuccess, Result: "sent", AttemptCount: 1,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, log.Append(ctx, old))
	require.NoError(t, log.Append(ctx, recent))

	byRule, err := log.ListByRule(ctx, ruleID, 10)
	require.NoError(t, err)
	require.Len(t, byRule, 2)
	assert.Equal(t, recent.ID, byRule[0].ID)
	assert.Equal(t, 3, byRule[1].AttemptCount)
	assert.JSONEq(t, `{"file_name":"a.pdf"}`, string(byRule[1].PayloadSnapshot))

	since, err := log.ListSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, domain.ExecutionSuccess, since[0].Status)

	n, err := log.DeleteBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestNotifications_InsertListMarkRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ruleID := uuid.New()

	n := &domain.Notification{OwnerID: "a", RuleID: &ruleID, Title: "Disk", Message: "91%", Severity: "warning", Category: "automation"}
	require.NoError(t, s.Notifications().Insert(ctx, n))

	list, err := s.Notifications().ListByOwner(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Read)
	require.NotNil(t, list[0].RuleID)
	assert.Equal(t, ruleID, *list[0].RuleID)

	require.NoError(t, s.Notifications().MarkRead(ctx, n.ID))
	list, err = s.Notifications().ListByOwner(ctx, "a", 10)
	require.NoError(t, err)
	assert.True(t, list[0].Read)

	got, err := s.Notifications().Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "Disk", got.Title)

	_, err = s.Notifications().Get(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.Notifications().MarkRead(ctx, uuid.New()), storage.ErrNotFound)
}

func TestChannels_ListByOwnerOrdersOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &domain.ChannelAccount{OwnerID: "a", Kind: domain.ChannelEmail, Name: "gmail", AutoDetected: true,
		Config: map[string]string{"host": "smtp.gmail.com"}, CredentialRef: "env://GMAIL_PW", CreatedAt: now.Add(-time.Hour)}
	second := &domain.ChannelAccount{OwnerID: "a", Kind: domain.ChannelEmail, Name: "work", CreatedAt: now}
	chat := &domain.ChannelAccount{OwnerID: "a", Kind: domain.ChannelChat, Name: "slack", Config: map[string]string{"endpoint": "https://hooks.test/x"}}
	for _, acct := range []*domain.ChannelAccount{second, first, chat} {
		require.NoError(t, s.Channels().Create(ctx, acct))
	}

	emails, err := s.Channels().ListByOwner(ctx, "a", domain.ChannelEmail)
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "gmail", emails[0].Name)
	assert.Equal(t, "smtp.gmail.com", emails[0].Config["host"])
	assert.Equal(t, "env://GMAIL_PW", emails[0].CredentialRef)

	got, err := s.Channels().Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.test/x", got.Config["endpoint"])

	require.NoError(t, s.Channels().Delete(ctx, chat.ID))
	_, err = s.Channels().Get(ctx, chat.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_PingAndDriver(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, storage.DriverSQLite, s.Driver())
}
