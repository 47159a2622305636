package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ActionKind discriminates the Action variants.
type ActionKind string

const (
	ActionEmail                 ActionKind = "email"
	ActionChatWebhook           ActionKind = "chat_webhook"
	ActionGenericWebhook        ActionKind = "generic_webhook"
	ActionDashboardNotification ActionKind = "dashboard_notification"
)

// Action is a closed set of side-effect variants. Only the types in this file implement it.
type Action interface {
	Kind() ActionKind
	Validate() error
	isAction()
}

// EmailAction sends a mail through the owner's resolved mailbox.
type EmailAction struct {
	AccountID string `json:"account_id,omitempty"` // Explicitly selected mailbox; empty = auto.
	To        string `json:"to"`                   // Comma-separated, templated.
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"` // Empty = generated plain-text summary.
}

func (*EmailAction) Kind() ActionKind { return ActionEmail }
func (*EmailAction) isAction()        {}
func (*EmailAction) Validate() error  { return nil }

// ChatWebhookAction posts a message to the owner's connected chat integration.
type ChatWebhookAction struct {
	Integration string `json:"integration,omitempty"` // Integration name; empty = first connected.
	Message     string `json:"message"`
}

func (*ChatWebhookAction) Kind() ActionKind { return ActionChatWebhook }
func (*ChatWebhookAction) isAction()        {}

func (a *ChatWebhookAction) Validate() error {
	if strings.TrimSpace(a.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}

// WebhookAction calls an arbitrary HTTP endpoint.
type WebhookAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // Default POST.
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (*WebhookAction) Kind() ActionKind { return ActionGenericWebhook }
func (*WebhookAction) isAction()        {}

func (a *WebhookAction) Validate() error {
	if a.URL == "" {
		return errors.New("url is required")
	}
	// The URL may contain template tokens; only the scheme is checked here.
	if u, err := url.Parse(a.URL); err == nil && u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	switch strings.ToUpper(a.Method) {
	case "", "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return fmt.Errorf("unsupported method %q", a.Method)
	}
	return nil
}

// HTTPMethod returns the upper-cased method, defaulting to POST.
func (a *WebhookAction) HTTPMethod() string {
	if a.Method == "" {
		return "POST"
	}
	return strings.ToUpper(a.Method)
}

// DashboardAction inserts an in-app notification for the rule owner.
type DashboardAction struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"` // Default "info".
	Category string `json:"category,omitempty"` // Default "automation".
}

func (*DashboardAction) Kind() ActionKind { return ActionDashboardNotification }
func (*DashboardAction) isAction()        {}

func (a *DashboardAction) Validate() error {
	if a.Title == "" && a.Message == "" {
		return errors.New("title or message is required")
	}
	return nil
}

// NewAction returns an empty variant for kind.
func NewAction(kind ActionKind) (Action, error) {
	switch kind {
	case ActionEmail:
		return &EmailAction{}, nil
	case ActionChatWebhook:
		return &ChatWebhookAction{}, nil
	case ActionGenericWebhook:
		return &WebhookAction{}, nil
	case ActionDashboardNotification:
		return &DashboardAction{}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}

// DecodeAction builds the variant for kind from its JSON config.
func DecodeAction(kind ActionKind, config []byte) (Action, error) {
	a, err := NewAction(kind)
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, a); err != nil {
			return nil, fmt.Errorf("decoding %s action: %w", kind, err)
		}
	}
	return a, nil
}
