package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"

	"github.com/jkaninda/tripwire/internal/domain"
)

// ChatSender posts chat_webhook actions to the owner's connected chat integration.
// http(s) endpoints receive {"text": "..."}; any other scheme is treated as a
// shoutrrr service URL (slack://, discord://, telegram://, ...).
type ChatSender struct {
	resolver     CredentialResolver
	client       *http.Client
	blockPrivate bool
	service      func(rawURL, message string) error
}

// NewChatSender creates a chat sender.
func NewChatSender(resolver CredentialResolver, opts ...WebhookOption) *ChatSender {
	o := buildHTTPOptions(opts)
	return &ChatSender{
		resolver:     resolver,
		client:       newHTTPClient(o.transport),
		blockPrivate: o.blockPrivate,
		service:      shoutrrr.Send,
	}
}

func (s *ChatSender) Kind() domain.ActionKind { return domain.ActionChatWebhook }

func (s *ChatSender) Send(ctx context.Context, rule *domain.Rule, action domain.Action, _ domain.Payload) (string, error) {
	a, ok := action.(*domain.ChatWebhookAction)
	if !ok {
		return "", fmt.Errorf("chat sender got %T", action)
	}

	endpoint, err := s.resolver.ResolveChatEndpoint(ctx, rule.OwnerID, a.Integration)
	if err != nil {
		return "", fmt.Errorf("resolving chat endpoint: %w", err)
	}
	if endpoint == "" {
		return "", configErrorf("no connected chat integration for owner %s", rule.OwnerID)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", configErrorf("invalid chat endpoint: %v", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return s.post(ctx, endpoint, a.Message)
	default:
		if err := s.sendService(ctx, endpoint, a.Message); err != nil {
			return "", err
		}
		return fmt.Sprintf("message sent via %s", u.Scheme), nil
	}
}

func (s *ChatSender) post(ctx context.Context, endpoint, message string) (string, error) {
	if s.blockPrivate {
		if err := ValidatePublicURL(endpoint); err != nil {
			return "", configErrorf("chat endpoint rejected: %v", err)
		}
	}
	body, _ := json.Marshal(map[string]string{"text": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", configErrorf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	status, err := do(s.client, req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("chat message posted to %s -> %d", redactURL(endpoint), status), nil
}

// sendService runs the blocking shoutrrr call so ctx still bounds it.
func (s *ChatSender) sendService(ctx context.Context, endpoint, message string) error {
	done := make(chan error, 1)
	go func() { done <- s.service(endpoint, message) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("chat service delivery: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat service delivery: %w", ctx.Err())
	}
}
