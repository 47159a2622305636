package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TriggerKind discriminates the Trigger variants.
type TriggerKind string

const (
	TriggerMetricThreshold TriggerKind = "metric_threshold"
	TriggerScheduled       TriggerKind = "scheduled"
	TriggerDataQuery       TriggerKind = "data_query"
	TriggerEvent           TriggerKind = "event"
)

// TriggerKinds lists every polled and pushed trigger kind.
var TriggerKinds = []TriggerKind{TriggerMetricThreshold, TriggerScheduled, TriggerDataQuery, TriggerEvent}

// Trigger is a closed set of condition variants. Only the types in this file implement it.
type Trigger interface {
	Kind() TriggerKind
	Validate() error
	isTrigger()
}

// MetricResource names a host resource sampled by the metrics provider.
type MetricResource string

const (
	ResourceStorage MetricResource = "storage"
	ResourceCPU     MetricResource = "cpu"
	ResourceMemory  MetricResource = "memory"
)

// MetricTrigger fires when a resource utilisation percentage reaches Threshold.
type MetricTrigger struct {
	Resource  MetricResource `json:"resource"`
	Threshold float64        `json:"threshold"`
}

func (*MetricTrigger) Kind() TriggerKind { return TriggerMetricThreshold }
func (*MetricTrigger) isTrigger()        {}

func (t *MetricTrigger) Validate() error {
	switch t.Resource {
	case ResourceStorage, ResourceCPU, ResourceMemory:
	default:
		return fmt.Errorf("unknown metric resource %q", t.Resource)
	}
	if t.Threshold < 0 || t.Threshold > 100 {
		return fmt.Errorf("threshold %.2f out of range 0-100", t.Threshold)
	}
	return nil
}

// ScheduleTrigger fires on minutes matching a 5- or 6-field cron expression.
type ScheduleTrigger struct {
	Cron string `json:"cron"`
}

func (*ScheduleTrigger) Kind() TriggerKind { return TriggerScheduled }
func (*ScheduleTrigger) isTrigger()        {}

func (t *ScheduleTrigger) Validate() error {
	if n := len(strings.Fields(t.Cron)); n != 5 && n != 6 {
		return fmt.Errorf("cron expression must have 5 or 6 fields, got %d", n)
	}
	return nil
}

// QueryTrigger fires when a stored query against a named data source returns rows.
type QueryTrigger struct {
	SourceID        string `json:"source_id"`
	QueryID         string `json:"query_id,omitempty"`
	SQL             string `json:"sql"`
	PollMinutes     int    `json:"poll_minutes,omitempty"`     // 0 = every tick.
	DebounceMinutes int    `json:"debounce_minutes,omitempty"` // 0 = DefaultDebounce.
}

func (*QueryTrigger) Kind() TriggerKind { return TriggerDataQuery }
func (*QueryTrigger) isTrigger()        {}

func (t *QueryTrigger) Validate() error {
	if t.SourceID == "" {
		return errors.New("source_id is required")
	}
	if strings.TrimSpace(t.SQL) == "" {
		return errors.New("sql is required")
	}
	if t.PollMinutes < 0 || t.DebounceMinutes < 0 {
		return errors.New("poll_minutes and debounce_minutes must not be negative")
	}
	return nil
}

// EventTrigger fires on pushed events that pass the filters.
type EventTrigger struct {
	EventType    string   `json:"event_type"`
	Extensions   []string `json:"extensions,omitempty"` // Empty = every extension.
	MinSizeBytes int64    `json:"min_size_bytes,omitempty"`
	Predicate    string   `json:"predicate,omitempty"` // Optional tengo expression over `event`.
}

func (*EventTrigger) Kind() TriggerKind { return TriggerEvent }
func (*EventTrigger) isTrigger()        {}

func (t *EventTrigger) Validate() error {
	if t.MinSizeBytes < 0 {
		return errors.New("min_size_bytes must not be negative")
	}
	return nil
}

// Type returns the event type the trigger listens to, defaulting to upload completion.
func (t *EventTrigger) Type() string {
	if t.EventType == "" {
		return EventUploadCompleted
	}
	return t.EventType
}

// NewTrigger returns an empty variant for kind.
func NewTrigger(kind TriggerKind) (Trigger, error) {
	switch kind {
	case TriggerMetricThreshold:
		return &MetricTrigger{}, nil
	case TriggerScheduled:
		return &ScheduleTrigger{}, nil
	case TriggerDataQuery:
		return &QueryTrigger{}, nil
	case TriggerEvent:
		return &EventTrigger{}, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", kind)
	}
}

// DecodeTrigger builds the variant for kind from its JSON config.
func DecodeTrigger(kind TriggerKind, config []byte) (Trigger, error) {
	t, err := NewTrigger(kind)
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, t); err != nil {
			return nil, fmt.Errorf("decoding %s trigger: %w", kind, err)
		}
	}
	return t, nil
}
