// Package notification implements the action dispatcher: it renders a rule's
// action templates against the trigger payload and delivers the result through
// the matching channel (email, chat webhook, generic webhook, dashboard).
//
// Channel credentials are resolved per owner at send time through
// CredentialResolver and never logged.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/render"
)

// ChannelTimeout bounds every outbound SMTP or HTTP call.
const ChannelTimeout = 15 * time.Second

// ErrConfiguration marks failures caused by a rule or account being
// misconfigured (no recipient, no connected endpoint) rather than by delivery.
var ErrConfiguration = errors.New("action misconfigured")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Sender delivers one kind of action.
type Sender interface {
	// Kind returns the action kind the sender handles.
	Kind() domain.ActionKind
	// Send delivers an already-rendered action and returns a short result description.
	Send(ctx context.Context, rule *domain.Rule, action domain.Action, payload domain.Payload) (string, error)
}

// EmailTransport is a resolved SMTP mailbox.
type EmailTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool   // Implicit TLS (SMTPS). STARTTLS is used opportunistically otherwise.
	Source   string // Where it was resolved from: "account:<id>", "auto:<id>", "fallback".
}

// CredentialResolver resolves an owner's channel credentials.
type CredentialResolver interface {
	// ResolveEmail returns the explicitly selected account, else the first
	// auto-detected account, else the process-level fallback.
	ResolveEmail(ctx context.Context, ownerID, accountID string) (*EmailTransport, error)
	// ResolveChatEndpoint returns the send endpoint of a connected chat integration,
	// or "" when none is connected.
	ResolveChatEndpoint(ctx context.Context, ownerID, integration string) (string, error)
}

// NotificationStore persists dashboard notifications.
type NotificationStore interface {
	Insert(ctx context.Context, n *domain.Notification) error
}

// Dispatcher routes a rule's action to the registered Sender for its kind.
type Dispatcher struct {
	senders map[domain.ActionKind]Sender
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewDispatcher creates a dispatcher with no senders registered.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		senders: make(map[domain.ActionKind]Sender),
		logger:  logger,
	}
}

// RegisterSender adds a channel backend, replacing any sender of the same kind.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Kind()] = s
}

// Dispatch renders the rule's action against payload and delivers it once.
// Retrying is the caller's concern.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *domain.Rule, payload domain.Payload) (string, error) {
	if rule.Action == nil {
		return "", configErrorf("rule %s has no action", rule.ID)
	}
	kind := rule.Action.Kind()

	d.mu.RLock()
	sender, ok := d.senders[kind]
	d.mu.RUnlock()
	if !ok {
		return "", configErrorf("no sender registered for action %q", kind)
	}

	rendered := RenderAction(rule.Action, payload)

	sendCtx, cancel := context.WithTimeout(ctx, ChannelTimeout)
	defer cancel()

	result, err := sender.Send(sendCtx, rule, rendered, payload)
	if err != nil {
		d.logger.WarnContext(ctx, "action delivery failed",
			slog.String("rule_id", rule.ID.String()),
			slog.String("action", string(kind)),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	d.logger.InfoContext(ctx, "action delivered",
		slog.String("rule_id", rule.ID.String()),
		slog.String("action", string(kind)),
		slog.String("result", result),
	)
	return result, nil
}

// RenderAction returns a copy of a with every templated field rendered.
func RenderAction(a domain.Action, p domain.Payload) domain.Action {
	switch v := a.(type) {
	case *domain.EmailAction:
		c := *v
		c.To = render.Render(v.To, p)
		c.Subject = render.Render(v.Subject, p)
		c.Body = render.Render(v.Body, p)
		return &c
	case *domain.ChatWebhookAction:
		c := *v
		c.Message = render.Render(v.Message, p)
		return &c
	case *domain.WebhookAction:
		c := *v
		c.URL = render.Render(v.URL, p)
		c.Body = render.Render(v.Body, p)
		if len(v.Headers) > 0 {
			c.Headers = make(map[string]string, len(v.Headers))
			for k, hv := range v.Headers {
				c.Headers[k] = render.Render(hv, p)
			}
		}
		return &c
	case *domain.DashboardAction:
		c := *v
		c.Title = render.Render(v.Title, p)
		c.Message = render.Render(v.Message, p)
		return &c
	default:
		return a
	}
}
