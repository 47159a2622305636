package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/tripwire/internal/domain"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeResolver struct {
	transport *EmailTransport
	endpoint  string
	err       error
}

func (f *fakeResolver) ResolveEmail(_ context.Context, _, _ string) (*EmailTransport, error) {
	return f.transport, f.err
}

func (f *fakeResolver) ResolveChatEndpoint(_ context.Context, _, _ string) (string, error) {
	return f.endpoint, f.err
}

type memNotifications struct {
	mu    sync.Mutex
	items []*domain.Notification
}

func (m *memNotifications) Insert(_ context.Context, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRule(action domain.Action) *domain.Rule {
	return &domain.Rule{
		ID:                uuid.New(),
		OwnerID:           "acct-1",
		Name:              "Disk watch",
		Trigger:           &domain.MetricTrigger{Resource: "storage", Threshold: 80},
		Action:            action,
		IsActive:          true,
		EnforcementStatus: domain.EnforcementActive,
	}
}

func TestDispatch_RendersEmailTemplates(t *testing.T) {
	var gotTo []string
	var gotMsg string
	mail := func(_ context.Context, _ *EmailTransport, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		return nil
	}
	resolver := &fakeResolver{transport: &EmailTransport{Host: "smtp.test", From: "bot@test", Source: "fallback"}}

	d := NewDispatcher(testLogger())
	d.RegisterSender(NewEmailSender(resolver, mail))

	rule := testRule(&domain.EmailAction{
		To:      "ops@test, {{owner}}",
		Subject: "Storage at {{value}}%",
		Body:    "Threshold {{threshold}} crossed",
	})
	payload := domain.Payload{"value": 91.5, "threshold": 80.0, "owner": "lead@test"}

	result, err := d.Dispatch(context.Background(), rule, payload)
	require.NoError(t, err)
	assert.Contains(t, result, "ops@test")
	assert.Equal(t, []string{"ops@test", "lead@test"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Storage at 91.5%")
	assert.Contains(t, gotMsg, "Threshold 80 crossed")
}

func TestEmailSender_DefaultSubjectAndSummaryBody(t *testing.T) {
	var gotMsg string
	mail := func(_ context.Context, _ *EmailTransport, _ []string, msg []byte) error {
		gotMsg = string(msg)
		return nil
	}
	s := NewEmailSender(&fakeResolver{transport: &EmailTransport{Host: "smtp.test", From: "bot@test"}}, mail)
	rule := testRule(&domain.EmailAction{To: "ops@test"})

	_, err := s.Send(context.Background(), rule, rule.Action, domain.Payload{"value": 91})
	require.NoError(t, err)
	assert.Contains(t, gotMsg, "Subject: [tripwire] Disk watch")
	assert.Contains(t, gotMsg, "value: 91")
}

func TestEmailSender_ConfigurationErrors(t *testing.T) {
	mail := func(context.Context, *EmailTransport, []string, []byte) error { return nil }

	t.Run("no recipient", func(t *testing.T) {
		s := NewEmailSender(&fakeResolver{transport: &EmailTransport{Host: "smtp.test"}}, mail)
		rule := testRule(&domain.EmailAction{To: " , "})
		_, err := s.Send(context.Background(), rule, rule.Action, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("no mailbox", func(t *testing.T) {
		s := NewEmailSender(&fakeResolver{}, mail)
		rule := testRule(&domain.EmailAction{To: "ops@test"})
		_, err := s.Send(context.Background(), rule, rule.Action, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestEmailSender_HeaderInjectionStripped(t *testing.T) {
	msg := buildEmailBody("bot@test", []string{"ops@test"}, "hi\r\nBcc: evil@test", "body", testTime)
	assert.NotContains(t, string(msg), "\r\nBcc:")
}

func TestChatSender_PostsJSON(t *testing.T) {
	mt := httpmock.NewMockTransport()
	var got map[string]string
	mt.RegisterResponder(http.MethodPost, "https://chat.test/hooks/abc",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	d := NewDispatcher(testLogger())
	d.RegisterSender(NewChatSender(&fakeResolver{endpoint: "https://chat.test/hooks/abc"}, WithTransport(mt)))

	rule := testRule(&domain.ChatWebhookAction{Message: "CPU {{value}}%"})
	result, err := d.Dispatch(context.Background(), rule, domain.Payload{"value": 97})
	require.NoError(t, err)
	assert.Equal(t, "CPU 97%", got["text"])
	assert.Contains(t, result, "200")
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestChatSender_Non2xxFails(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodPost, "https://chat.test/hooks/abc",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	s := NewChatSender(&fakeResolver{endpoint: "https://chat.test/hooks/abc"}, WithTransport(mt))
	rule := testRule(&domain.ChatWebhookAction{Message: "hi"})

	_, err := s.Send(context.Background(), rule, rule.Action, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.NotErrorIs(t, err, ErrConfiguration)
}

func TestChatSender_NoEndpointIsConfigurationError(t *testing.T) {
	s := NewChatSender(&fakeResolver{})
	rule := testRule(&domain.ChatWebhookAction{Message: "hi"})

	_, err := s.Send(context.Background(), rule, rule.Action, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestChatSender_ServiceURL(t *testing.T) {
	s := NewChatSender(&fakeResolver{endpoint: "discord://token@channel"})
	var gotURL, gotMsg string
	s.service = func(rawURL, message string) error {
		gotURL, gotMsg = rawURL, message
		return nil
	}
	rule := testRule(&domain.ChatWebhookAction{Message: "hello"})

	result, err := s.Send(context.Background(), rule, rule.Action, nil)
	require.NoError(t, err)
	assert.Equal(t, "discord://token@channel", gotURL)
	assert.Equal(t, "hello", gotMsg)
	assert.Contains(t, result, "discord")

	s.service = func(string, string) error { return errors.New("rate limited") }
	_, err = s.Send(context.Background(), rule, rule.Action, nil)
	assert.ErrorContains(t, err, "rate limited")
}

func TestWebhookSender_MethodHeadersBody(t *testing.T) {
	mt := httpmock.NewMockTransport()
	var gotBody, gotHeader, gotType string
	mt.RegisterResponder(http.MethodPut, "https://api.test/items/42",
		func(req *http.Request) (*http.Response, error) {
			b, _ := io.ReadAll(req.Body)
			gotBody = string(b)
			gotHeader = req.Header.Get("X-Token")
			gotType = req.Header.Get("Content-Type")
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})

	d := NewDispatcher(testLogger())
	d.RegisterSender(NewWebhookSender(WithTransport(mt)))

	rule := testRule(&domain.WebhookAction{
		URL:     "https://api.test/items/{{id}}",
		Method:  "PUT",
		Headers: map[string]string{"X-Token": "t-{{id}}"},
		Body:    `{"count": {{row_count}}}`,
	})
	result, err := d.Dispatch(context.Background(), rule, domain.Payload{"id": 42, "row_count": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"count": 3}`, gotBody)
	assert.Equal(t, "t-42", gotHeader)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "PUT https://api.test/items/42 -> 204", result)
}

func TestWebhookSender_DoesNotFollowRedirects(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodPost, "https://api.test/hook",
		func(*http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusFound, "")
			resp.Header.Set("Location", "https://elsewhere.test/")
			return resp, nil
		})

	s := NewWebhookSender(WithTransport(mt))
	rule := testRule(&domain.WebhookAction{URL: "https://api.test/hook"})
	_, err := s.Send(context.Background(), rule, rule.Action, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "302")
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestDashboardSender_InsertsNotification(t *testing.T) {
	store := &memNotifications{}
	d := NewDispatcher(testLogger())
	d.RegisterSender(NewDashboardSender(store))

	rule := testRule(&domain.DashboardAction{Message: "{{row_count}} new orders"})
	_, err := d.Dispatch(context.Background(), rule, domain.Payload{"row_count": 5})
	require.NoError(t, err)

	require.Len(t, store.items, 1)
	n := store.items[0]
	assert.Equal(t, "Disk watch", n.Title)
	assert.Equal(t, "5 new orders", n.Message)
	assert.Equal(t, "info", n.Severity)
	assert.Equal(t, "acct-1", n.OwnerID)
	require.NotNil(t, n.RuleID)
	assert.Equal(t, rule.ID, *n.RuleID)
}

func TestDispatch_UnregisteredKind(t *testing.T) {
	d := NewDispatcher(testLogger())
	_, err := d.Dispatch(context.Background(), testRule(&domain.DashboardAction{Message: "x"}), nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestValidatePublicURL(t *testing.T) {
	for _, raw := range []string{"ftp://host/x", "http://localhost:8080", "http://127.0.0.1/", "http://[::1]/"} {
		assert.Error(t, ValidatePublicURL(raw), raw)
	}
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://api.test/hook", redactURL("https://user:pw@api.test/hook?token=s3cret"))
	assert.True(t, strings.HasPrefix(redactURL("::bad"), "<invalid"))
}
