// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnforcementStatus is written by the plan-limit policy system, never by the engine.
type EnforcementStatus string

const (
	EnforcementActive    EnforcementStatus = "active"
	EnforcementSuspended EnforcementStatus = "suspended"
	EnforcementOverLimit EnforcementStatus = "over_limit"
)

// Debounce windows applied per trigger kind.
const (
	DefaultDebounce   = 5 * time.Minute
	ScheduledDebounce = 60 * time.Second
)

// Rule is a user-owned condition→action pair.
// The engine mutates only LastTriggeredAt; everything else belongs to the rule owner.
type Rule struct {
	ID                uuid.UUID
	OwnerID           string // Account that owns the rule and its channel credentials.
	Name              string
	Trigger           Trigger
	Action            Action
	IsActive          bool
	EnforcementStatus EnforcementStatus
	LastTriggeredAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Runnable reports whether the engine may execute the rule at all.
func (r *Rule) Runnable() bool {
	return r.IsActive && r.EnforcementStatus == EnforcementActive
}

// Validate checks the rule shape before it is stored.
func (r *Rule) Validate() error {
	if r.OwnerID == "" {
		return errors.New("owner_id is required")
	}
	if r.Trigger == nil {
		return errors.New("trigger is required")
	}
	if err := r.Trigger.Validate(); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	if r.Action == nil {
		return errors.New("action is required")
	}
	if err := r.Action.Validate(); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	return nil
}

// MinInterval is the debounce window between two executions of the rule.
func (r *Rule) MinInterval() time.Duration {
	switch t := r.Trigger.(type) {
	case *ScheduleTrigger:
		return ScheduledDebounce
	case *QueryTrigger:
		if t.DebounceMinutes > 0 {
			return time.Duration(t.DebounceMinutes) * time.Minute
		}
	}
	return DefaultDebounce
}

// TriggerKind returns the kind of the rule's trigger, or "" when unset.
func (r *Rule) TriggerKind() TriggerKind {
	if r.Trigger == nil {
		return ""
	}
	return r.Trigger.Kind()
}

// ActionKind returns the kind of the rule's action, or "" when unset.
func (r *Rule) ActionKind() ActionKind {
	if r.Action == nil {
		return ""
	}
	return r.Action.Kind()
}

// Payload is the key→value context produced when a trigger fires.
// It always carries a "timestamp" entry.
type Payload map[string]any

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ExecutionStatus is the final outcome of a dispatch sequence.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionLogEntry is an append-only record of one dispatch sequence,
// written exactly once whether the sequence succeeded or exhausted its retries.
type ExecutionLogEntry struct {
	ID              uuid.UUID
	RuleID          uuid.UUID
	OwnerID         string
	TriggerKind     TriggerKind
	ActionKind      ActionKind
	Status          ExecutionStatus
	PayloadSnapshot json.RawMessage // Bounded JSON snapshot of the trigger payload.
	Result          string
	Error           string
	AttemptCount    int
	CreatedAt       time.Time
}

// Notification is an in-app dashboard notification.
type Notification struct {
	ID        uuid.UUID
	OwnerID   string
	RuleID    *uuid.UUID
	Title     string
	Message   string
	Severity  string // "info", "warning", "critical".
	Category  string
	Read      bool
	CreatedAt time.Time
}

// ChannelKind identifies what a connected channel account can deliver.
type ChannelKind string

const (
	ChannelEmail ChannelKind = "email"
	ChannelChat  ChannelKind = "chat"
)

// ChannelAccount is a connected delivery account owned by a user
// (a mailbox with SMTP settings, or a chat integration with a send endpoint).
type ChannelAccount struct {
	ID            uuid.UUID
	OwnerID       string
	Kind          ChannelKind
	Name          string            // Integration name for chat ("slack", "discord") or mailbox label.
	AutoDetected  bool              // Discovered from a connected integration rather than configured by hand.
	Config        map[string]string // host, port, username, from, tls for email; endpoint for chat.
	CredentialRef string            // Secret reference (env://...). Never logged.
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Event is a push-delivered occurrence, such as an upload completing.
type Event struct {
	Type       string
	OwnerID    string
	FileName   string
	Size       int64
	Properties map[string]any
	OccurredAt time.Time
}

// EventUploadCompleted is the event type emitted when a file upload finishes.
const EventUploadCompleted = "upload.completed"
