package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/tripwire/internal/domain"
)

func toRuleModel(r *domain.Rule) (RuleModel, error) {
	trig, err := json.Marshal(r.Trigger)
	if err != nil {
		return RuleModel{}, fmt.Errorf("encoding trigger: %w", err)
	}
	act, err := json.Marshal(r.Action)
	if err != nil {
		return RuleModel{}, fmt.Errorf("encoding action: %w", err)
	}
	status := r.EnforcementStatus
	if status == "" {
		status = domain.EnforcementActive
	}
	return RuleModel{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		Name:              r.Name,
		TriggerKind:       string(r.TriggerKind()),
		TriggerConfig:     JSONB(trig),
		ActionKind:        string(r.ActionKind()),
		ActionConfig:      JSONB(act),
		IsActive:          r.IsActive,
		EnforcementStatus: string(status),
		LastTriggeredAt:   r.LastTriggeredAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func toRuleDomain(m *RuleModel) (*domain.Rule, error) {
	trig, err := domain.DecodeTrigger(domain.TriggerKind(m.TriggerKind), m.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", m.ID, err)
	}
	act, err := domain.DecodeAction(domain.ActionKind(m.ActionKind), m.ActionConfig)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", m.ID, err)
	}
	return &domain.Rule{
		ID:                m.ID,
		OwnerID:           m.OwnerID,
		Name:              m.Name,
		Trigger:           trig,
		Action:            act,
		IsActive:          m.IsActive,
		EnforcementStatus: domain.EnforcementStatus(m.EnforcementStatus),
		LastTriggeredAt:   m.LastTriggeredAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func toExecutionLogModel(e *domain.ExecutionLogEntry) ExecutionLogModel {
	return ExecutionLogModel{
		ID:              e.ID,
		RuleID:          e.RuleID,
		OwnerID:         e.OwnerID,
		TriggerKind:     string(e.TriggerKind),
		ActionKind:      string(e.ActionKind),
		Status:          string(e.Status),
		PayloadSnapshot: JSONB(e.PayloadSnapshot),
		Result:          e.Result,
		Error:           e.Error,
		AttemptCount:    e.AttemptCount,
		CreatedAt:       e.CreatedAt,
	}
}

func toExecutionLogDomain(m *ExecutionLogModel) domain.ExecutionLogEntry {
	return domain.ExecutionLogEntry{
		ID:              m.ID,
		RuleID:          m.RuleID,
		OwnerID:         m.OwnerID,
		TriggerKind:     domain.TriggerKind(m.TriggerKind),
		ActionKind:      domain.ActionKind(m.ActionKind),
		Status:          domain.ExecutionStatus(m.Status),
		PayloadSnapshot: json.RawMessage(m.PayloadSnapshot),
		Result:          m.Result,
		Error:           m.Error,
		AttemptCount:    m.AttemptCount,
		CreatedAt:       m.CreatedAt,
	}
}

func toNotificationModel(n *domain.Notification) NotificationModel {
	return NotificationModel{
		ID:        n.ID,
		OwnerID:   n.OwnerID,
		RuleID:    n.RuleID,
		Title:     n.Title,
		Message:   n.Message,
		Severity:  n.Severity,
		Category:  n.Category,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func toNotificationDomain(m *NotificationModel) domain.Notification {
	return domain.Notification{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		RuleID:    m.RuleID,
		Title:     m.Title,
		Message:   m.Message,
		Severity:  m.Severity,
		Category:  m.Category,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
}

func toChannelAccountModel(a *domain.ChannelAccount) (ChannelAccountModel, error) {
	cfg := a.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return ChannelAccountModel{}, fmt.Errorf("encoding channel config: %w", err)
	}
	return ChannelAccountModel{
		ID:            a.ID,
		OwnerID:       a.OwnerID,
		Kind:          string(a.Kind),
		Name:          a.Name,
		AutoDetected:  a.AutoDetected,
		Config:        JSONB(raw),
		CredentialRef: a.CredentialRef,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}, nil
}

func toChannelAccountDomain(m *ChannelAccountModel) (*domain.ChannelAccount, error) {
	cfg := map[string]string{}
	if len(m.Config) > 0 {
		if err := json.Unmarshal(m.Config, &cfg); err != nil {
			return nil, fmt.Errorf("channel account %s config: %w", m.ID, err)
		}
	}
	return &domain.ChannelAccount{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Kind:          domain.ChannelKind(m.Kind),
		Name:          m.Name,
		AutoDetected:  m.AutoDetected,
		Config:        cfg,
		CredentialRef: m.CredentialRef,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}
