package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripwire/internal/domain"
)

// DashboardSender inserts in-app notifications for the rule owner.
type DashboardSender struct {
	store NotificationStore
}

// NewDashboardSender creates a dashboard notification sender.
func NewDashboardSender(store NotificationStore) *DashboardSender {
	return &DashboardSender{store: store}
}

func (s *DashboardSender) Kind() domain.ActionKind { return domain.ActionDashboardNotification }

func (s *DashboardSender) Send(ctx context.Context, rule *domain.Rule, action domain.Action, _ domain.Payload) (string, error) {
	a, ok := action.(*domain.DashboardAction)
	if !ok {
		return "", fmt.Errorf("dashboard sender got %T", action)
	}

	title := a.Title
	if title == "" {
		title = rule.Name
	}
	severity := a.Severity
	if severity == "" {
		severity = "info"
	}
	category := a.Category
	if category == "" {
		category = "automation"
	}

	ruleID := rule.ID
	n := &domain.Notification{
		ID:        uuid.New(),
		OwnerID:   rule.OwnerID,
		RuleID:    &ruleID,
		Title:     title,
		Message:   a.Message,
		Severity:  severity,
		Category:  category,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, n); err != nil {
		return "", fmt.Errorf("inserting notification: %w", err)
	}
	return "notification " + n.ID.String() + " created", nil
}
