package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tripwire/internal/domain"
)

// **** Channel account request/response types ****

type ChannelRequest struct {
	OwnerID       string            `json:"owner_id,omitempty"`
	Kind          string            `json:"kind"`
	Name          string            `json:"name"`
	AutoDetected  bool              `json:"auto_detected,omitempty"`
	Config        map[string]string `json:"config,omitempty"`
	CredentialRef string            `json:"credential_ref,omitempty"`
}

// ChannelResponse never echoes the credential reference.
type ChannelResponse struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"owner_id"`
	Kind          string            `json:"kind"`
	Name          string            `json:"name"`
	AutoDetected  bool              `json:"auto_detected"`
	Config        map[string]string `json:"config,omitempty"`
	HasCredential bool              `json:"has_credential"`
	CreatedAt     time.Time         `json:"created_at"`
}

func toChannelResponse(a *domain.ChannelAccount) ChannelResponse {
	return ChannelResponse{
		ID:            a.ID.String(),
		OwnerID:       a.OwnerID,
		Kind:          string(a.Kind),
		Name:          a.Name,
		AutoDetected:  a.AutoDetected,
		Config:        a.Config,
		HasCredential: a.CredentialRef != "",
		CreatedAt:     a.CreatedAt,
	}
}

// **** Notification response type ****

type NotificationResponse struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"rule_id,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Category  string    `json:"category"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func toNotificationResponse(n *domain.Notification) NotificationResponse {
	resp := NotificationResponse{
		ID:        n.ID.String(),
		Title:     n.Title,
		Message:   n.Message,
		Severity:  n.Severity,
		Category:  n.Category,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
	if n.RuleID != nil {
		resp.RuleID = n.RuleID.String()
	}
	return resp
}

// **** Routes ****

func (g *Gateway) channelRoutes() {
	g.group.Post("/channels", g.handleChannelCreate,
		okapi.DocSummary("Connect an email or chat channel account"),
		okapi.DocTags("Channels"),
		okapi.DocRequestBody(ChannelRequest{}),
		okapi.DocResponse(http.StatusCreated, ChannelResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/channels", g.handleChannelList,
		okapi.DocSummary("List connected channel accounts"),
		okapi.DocTags("Channels"),
		okapi.DocResponse([]ChannelResponse{}),
	)
	g.group.Delete("/channels/{id}", g.handleChannelDelete,
		okapi.DocSummary("Disconnect a channel account"),
		okapi.DocTags("Channels"),
		okapi.DocPathParam("id", "string", "Channel account ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) notificationRoutes() {
	g.group.Get("/notifications", g.handleNotificationList,
		okapi.DocSummary("List dashboard notifications, newest first"),
		okapi.DocTags("Notifications"),
		okapi.DocResponse([]NotificationResponse{}),
	)
	g.group.Post("/notifications/{id}/read", g.handleNotificationRead,
		okapi.DocSummary("Mark a dashboard notification as read"),
		okapi.DocTags("Notifications"),
		okapi.DocPathParam("id", "string", "Notification ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// **** Channel service ****

func (g *Gateway) createChannel(ctx context.Context, p principal, req ChannelRequest) (*domain.ChannelAccount, error) {
	owner, err := p.owner(req.OwnerID)
	if err != nil {
		return nil, err
	}
	kind := domain.ChannelKind(strings.ToLower(req.Kind))
	switch kind {
	case domain.ChannelEmail:
		if req.Config["host"] == "" {
			return nil, badRequest("config.host is required for email accounts")
		}
		if port := req.Config["port"]; port != "" {
			if _, err := strconv.Atoi(port); err != nil {
				return nil, badRequest("config.port must be a number")
			}
		}
	case domain.ChannelChat:
		if req.Config["endpoint"] == "" && req.CredentialRef == "" {
			return nil, badRequest("chat accounts need config.endpoint or credential_ref")
		}
	default:
		return nil, badRequest("kind must be email or chat")
	}
	if req.Name == "" {
		return nil, badRequest("name is required")
	}

	now := time.Now().UTC()
	acct := &domain.ChannelAccount{
		ID:            uuid.New(),
		OwnerID:       owner,
		Kind:          kind,
		Name:          req.Name,
		AutoDetected:  req.AutoDetected,
		Config:        req.Config,
		CredentialRef: req.CredentialRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.channels.Create(ctx, acct); err != nil {
		return nil, err
	}
	g.invalidate(owner)
	g.logger.Info("channel account connected",
		slog.String("account_id", acct.ID.String()),
		slog.String("owner_id", owner),
		slog.String("kind", string(kind)),
	)
	return acct, nil
}

func (g *Gateway) listChannels(ctx context.Context, p principal, requestedOwner, kind string) ([]domain.ChannelAccount, error) {
	owner, err := p.owner(requestedOwner)
	if err != nil {
		return nil, err
	}
	if kind != "" {
		return g.channels.ListByOwner(ctx, owner, domain.ChannelKind(kind))
	}
	var out []domain.ChannelAccount
	for _, k := range []domain.ChannelKind{domain.ChannelEmail, domain.ChannelChat} {
		accts, err := g.channels.ListByOwner(ctx, owner, k)
		if err != nil {
			return nil, err
		}
		out = append(out, accts...)
	}
	return out, nil
}

func (g *Gateway) deleteChannel(ctx context.Context, p principal, id uuid.UUID) error {
	acct, err := g.channels.Get(ctx, id)
	if err != nil {
		return err
	}
	if !p.canSee(acct.OwnerID) {
		return errNotFound
	}
	if err := g.channels.Delete(ctx, id); err != nil {
		return err
	}
	g.invalidate(acct.OwnerID)
	return nil
}

// invalidate drops cached credentials so the next dispatch re-resolves.
func (g *Gateway) invalidate(owner string) {
	if g.credentials != nil {
		g.credentials.Invalidate(owner)
	}
}

// **** Notification service ****

func (g *Gateway) listNotifications(ctx context.Context, p principal, requestedOwner string, limit int) ([]domain.Notification, error) {
	owner, err := p.owner(requestedOwner)
	if err != nil {
		return nil, err
	}
	return g.notifications.ListByOwner(ctx, owner, clampLimit(limit))
}

func (g *Gateway) markNotificationRead(ctx context.Context, p principal, id uuid.UUID) error {
	n, err := g.notifications.Get(ctx, id)
	if err != nil {
		return err
	}
	if !p.canSee(n.OwnerID) {
		return errNotFound
	}
	return g.notifications.MarkRead(ctx, id)
}

// **** Handlers ****

func (g *Gateway) handleChannelCreate(c *okapi.Context) error {
	var req ChannelRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	acct, err := g.createChannel(c.Context(), principalOf(c), req)
	if err != nil {
		return g.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, toChannelResponse(acct))
}

func (g *Gateway) handleChannelList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	accts, err := g.listChannels(c.Context(), principalOf(c), q.Get("owner_id"), q.Get("kind"))
	if err != nil {
		return g.respondError(c, err)
	}
	resp := make([]ChannelResponse, len(accts))
	for i := range accts {
		resp[i] = toChannelResponse(&accts[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleChannelDelete(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.respondError(c, err)
	}
	if err := g.deleteChannel(c.Context(), principalOf(c), id); err != nil {
		return g.respondError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleNotificationList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	items, err := g.listNotifications(c.Context(), principalOf(c), q.Get("owner_id"), limit)
	if err != nil {
		return g.respondError(c, err)
	}
	resp := make([]NotificationResponse, len(items))
	for i := range items {
		resp[i] = toNotificationResponse(&items[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleNotificationRead(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.respondError(c, err)
	}
	if err := g.markNotificationRead(c.Context(), principalOf(c), id); err != nil {
		return g.respondError(c, err)
	}
	return c.OK(map[string]string{"status": "read"})
}
