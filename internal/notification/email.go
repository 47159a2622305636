package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/render"
)

// MailFunc delivers a fully built message through a transport.
type MailFunc func(ctx context.Context, t *EmailTransport, to []string, msg []byte) error

// EmailSender sends email actions through the owner's resolved mailbox.
type EmailSender struct {
	resolver CredentialResolver
	mail     MailFunc
}

// NewEmailSender creates an SMTP email sender. mail may be nil to use SMTP directly.
func NewEmailSender(resolver CredentialResolver, mail MailFunc) *EmailSender {
	if mail == nil {
		mail = SendSMTP
	}
	return &EmailSender{resolver: resolver, mail: mail}
}

func (s *EmailSender) Kind() domain.ActionKind { return domain.ActionEmail }

func (s *EmailSender) Send(ctx context.Context, rule *domain.Rule, action domain.Action, payload domain.Payload) (string, error) {
	a, ok := action.(*domain.EmailAction)
	if !ok {
		return "", fmt.Errorf("email sender got %T", action)
	}

	recipients := splitRecipients(a.To)
	if len(recipients) == 0 {
		return "", configErrorf("email action has no recipient")
	}

	transport, err := s.resolver.ResolveEmail(ctx, rule.OwnerID, a.AccountID)
	if err != nil {
		return "", fmt.Errorf("resolving mailbox: %w", err)
	}
	if transport == nil || transport.Host == "" {
		return "", configErrorf("no mailbox available for owner %s", rule.OwnerID)
	}

	subject := a.Subject
	if subject == "" {
		subject = "[tripwire] " + rule.Name
	}
	body := a.Body
	if strings.TrimSpace(body) == "" {
		body = render.Summary(rule.Name, payload)
	}

	msg := buildEmailBody(transport.From, recipients, subject, body, time.Now())
	if err := s.mail(ctx, transport, recipients, msg); err != nil {
		return "", err
	}
	return fmt.Sprintf("email sent to %s via %s", strings.Join(recipients, ", "), transport.Source), nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// SendSMTP delivers msg over SMTP, using implicit TLS when t.TLS is set and
// STARTTLS when the server offers it otherwise.
func SendSMTP(ctx context.Context, t *EmailTransport, to []string, msg []byte) error {
	port := t.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))
	tlsConfig := &tls.Config{ServerName: t.Host, MinVersion: tls.VersionTLS12}
	dialer := &net.Dialer{Timeout: ChannelTimeout}

	var conn net.Conn
	var err error
	if t.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(ChannelTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if !t.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp STARTTLS: %w", err)
			}
		}
	}

	if t.Username != "" && t.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", t.Username, t.Password, t.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(t.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func buildEmailBody(from string, to []string, subject, text string, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerSafe(from) + "\r\n")
	b.WriteString("To: " + headerSafe(strings.Join(to, ", ")) + "\r\n")
	b.WriteString("Subject: " + headerSafe(subject) + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(text, "\n", "\r\n"))
	return []byte(b.String())
}

// headerSafe strips CR and LF so rendered values cannot inject headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
