package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/jkaninda/tripwire/internal/domain"
)

const userAgent = "tripwire-webhook/1.0"

// newHTTPClient returns a client that never follows redirects.
func newHTTPClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Timeout:   ChannelTimeout,
		Transport: transport,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// WebhookOption configures the HTTP-based senders.
type WebhookOption func(*httpOptions)

type httpOptions struct {
	transport    http.RoundTripper
	blockPrivate bool
}

// WithTransport overrides the HTTP transport (used by tests).
func WithTransport(rt http.RoundTripper) WebhookOption {
	return func(o *httpOptions) { o.transport = rt }
}

// WithPrivateTargetsBlocked rejects URLs resolving to loopback or private ranges.
func WithPrivateTargetsBlocked(block bool) WebhookOption {
	return func(o *httpOptions) { o.blockPrivate = block }
}

func buildHTTPOptions(opts []WebhookOption) httpOptions {
	var o httpOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WebhookSender performs generic_webhook actions.
type WebhookSender struct {
	client       *http.Client
	blockPrivate bool
}

// NewWebhookSender creates a generic webhook sender.
func NewWebhookSender(opts ...WebhookOption) *WebhookSender {
	o := buildHTTPOptions(opts)
	return &WebhookSender{client: newHTTPClient(o.transport), blockPrivate: o.blockPrivate}
}

func (s *WebhookSender) Kind() domain.ActionKind { return domain.ActionGenericWebhook }

func (s *WebhookSender) Send(ctx context.Context, _ *domain.Rule, action domain.Action, _ domain.Payload) (string, error) {
	a, ok := action.(*domain.WebhookAction)
	if !ok {
		return "", fmt.Errorf("webhook sender got %T", action)
	}
	if a.URL == "" {
		return "", configErrorf("webhook action has no url")
	}
	if s.blockPrivate {
		if err := ValidatePublicURL(a.URL); err != nil {
			return "", configErrorf("webhook URL rejected: %v", err)
		}
	}

	method := a.HTTPMethod()
	var body io.Reader
	if a.Body != "" && method != http.MethodGet {
		body = strings.NewReader(a.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.URL, body)
	if err != nil {
		return "", configErrorf("building request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		if json.Valid([]byte(a.Body)) {
			req.Header.Set("Content-Type", "application/json")
		} else {
			req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		}
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	status, err := do(s.client, req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s -> %d", method, redactURL(a.URL), status), nil
}

// do sends req and turns non-2xx responses into errors carrying a body snippet.
func do(client *http.Client, req *http.Request) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// redactURL drops userinfo and query so results never carry secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// ValidatePublicURL checks that rawURL is http(s) and resolves only to public addresses.
func ValidatePublicURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()
	switch strings.ToLower(hostname) {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
