// Package credentials resolves a rule owner's delivery accounts into
// ready-to-use channel credentials for the notification senders.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/notification"
	"github.com/jkaninda/tripwire/internal/storage"
)

// DefaultTTL is how long resolved credentials are reused.
const DefaultTTL = 2 * time.Minute

// SecretResolver turns a credential reference into its secret value.
type SecretResolver interface {
	Resolve(ctx context.Context, credentialRef string) (string, error)
}

// Resolver implements notification.CredentialResolver on top of the
// channel account store, a secret provider and an optional process-level
// SMTP fallback.
type Resolver struct {
	channels storage.ChannelStore
	secrets  SecretResolver
	fallback *notification.EmailTransport
	cache    *cache.Cache
	logger   *slog.Logger
}

var _ notification.CredentialResolver = (*Resolver)(nil)

// NewResolver creates a Resolver. fallback may be nil; ttl <= 0 uses DefaultTTL.
func NewResolver(channels storage.ChannelStore, secrets SecretResolver, fallback *notification.EmailTransport, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		channels: channels,
		secrets:  secrets,
		fallback: fallback,
		cache:    cache.New(ttl, 2*ttl),
		logger:   logger,
	}
}

// ResolveEmail picks the explicit account, else the owner's first
// auto-detected mailbox, else the process fallback. It returns nil when
// none is available.
func (r *Resolver) ResolveEmail(ctx context.Context, ownerID, accountID string) (*notification.EmailTransport, error) {
	key := cacheKey("email", ownerID, accountID)
	if v, ok := r.cache.Get(key); ok {
		return v.(*notification.EmailTransport), nil
	}

	t, err := r.resolveEmail(ctx, ownerID, accountID)
	if err != nil {
		return nil, err
	}
	if t != nil {
		r.cache.Set(key, t, cache.DefaultExpiration)
	}
	return t, nil
}

func (r *Resolver) resolveEmail(ctx context.Context, ownerID, accountID string) (*notification.EmailTransport, error) {
	if accountID != "" {
		acct, err := r.ownedAccount(ctx, ownerID, accountID, domain.ChannelEmail)
		if err != nil {
			return nil, err
		}
		return r.emailTransport(ctx, acct, "account:"+acct.ID.String())
	}

	accounts, err := r.channels.ListByOwner(ctx, ownerID, domain.ChannelEmail)
	if err != nil {
		return nil, fmt.Errorf("listing email accounts: %w", err)
	}
	for i := range accounts {
		if accounts[i].AutoDetected {
			return r.emailTransport(ctx, &accounts[i], "auto:"+accounts[i].ID.String())
		}
	}

	if r.fallback != nil && r.fallback.Host != "" {
		t := *r.fallback
		t.Source = "fallback"
		return &t, nil
	}
	return nil, nil
}

// ResolveChatEndpoint returns the named integration's endpoint, or the
// first connected chat account's when integration is empty.
func (r *Resolver) ResolveChatEndpoint(ctx context.Context, ownerID, integration string) (string, error) {
	key := cacheKey("chat", ownerID, integration)
	if v, ok := r.cache.Get(key); ok {
		return v.(string), nil
	}

	accounts, err := r.channels.ListByOwner(ctx, ownerID, domain.ChannelChat)
	if err != nil {
		return "", fmt.Errorf("listing chat accounts: %w", err)
	}
	for i := range accounts {
		acct := &accounts[i]
		if integration != "" && !strings.EqualFold(acct.Name, integration) {
			continue
		}
		endpoint, err := r.chatEndpoint(ctx, acct)
		if err != nil {
			return "", err
		}
		if endpoint == "" {
			continue
		}
		r.cache.Set(key, endpoint, cache.DefaultExpiration)
		return endpoint, nil
	}
	return "", nil
}

// Invalidate drops cached credentials for an owner after their accounts change.
func (r *Resolver) Invalidate(ownerID string) {
	prefixes := []string{cacheKey("email", ownerID, ""), cacheKey("chat", ownerID, "")}
	for key := range r.cache.Items() {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				r.cache.Delete(key)
				break
			}
		}
	}
}

// cacheKey quotes the owner so no owner's keys are a prefix of another's.
func cacheKey(kind, ownerID, sub string) string {
	return kind + ":" + strconv.Quote(ownerID) + ":" + sub
}

func (r *Resolver) ownedAccount(ctx context.Context, ownerID, accountID string, kind domain.ChannelKind) (*domain.ChannelAccount, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid account id %q", notification.ErrConfiguration, accountID)
	}
	acct, err := r.channels.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: account %s not found", notification.ErrConfiguration, id)
		}
		return nil, fmt.Errorf("loading account %s: %w", id, err)
	}
	if acct.OwnerID != ownerID || acct.Kind != kind {
		return nil, fmt.Errorf("%w: account %s is not a %s account of this owner", notification.ErrConfiguration, id, kind)
	}
	return acct, nil
}

func (r *Resolver) emailTransport(ctx context.Context, acct *domain.ChannelAccount, source string) (*notification.EmailTransport, error) {
	cfg := acct.Config
	t := &notification.EmailTransport{
		Host:     cfg["host"],
		Username: cfg["username"],
		From:     cfg["from"],
		TLS:      cfg["tls"] == "true",
		Source:   source,
	}
	if p := cfg["port"]; p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: account %s has invalid port %q", notification.ErrConfiguration, acct.ID, p)
		}
		t.Port = port
	}
	if t.From == "" {
		t.From = t.Username
	}
	if acct.CredentialRef != "" {
		pw, err := r.secrets.Resolve(ctx, acct.CredentialRef)
		if err != nil {
			r.logger.WarnContext(ctx, "email credential unresolved",
				slog.String("account_id", acct.ID.String()),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("%w: account %s credential: %v", notification.ErrConfiguration, acct.ID, err)
		}
		t.Password = pw
	}
	return t, nil
}

// chatEndpoint prefers the secret-held webhook URL over a plain config endpoint.
func (r *Resolver) chatEndpoint(ctx context.Context, acct *domain.ChannelAccount) (string, error) {
	if acct.CredentialRef != "" {
		endpoint, err := r.secrets.Resolve(ctx, acct.CredentialRef)
		if err != nil {
			return "", fmt.Errorf("%w: chat account %s credential: %v", notification.ErrConfiguration, acct.ID, err)
		}
		return endpoint, nil
	}
	return acct.Config["endpoint"], nil
}
