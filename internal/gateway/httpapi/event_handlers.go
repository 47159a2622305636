package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tripwire/internal/domain"
)

// **** Event request/response types ****

type EventRequest struct {
	Type       string         `json:"type"`
	OwnerID    string         `json:"owner_id,omitempty"`
	FileName   string         `json:"file_name,omitempty"`
	Size       int64          `json:"size,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
}

type EventResponse struct {
	Dispatches int `json:"dispatches"`
}

// toEvent converts a request into an engine event acting for p.
func (p principal) toEvent(req EventRequest, now time.Time) (domain.Event, error) {
	owner, err := p.owner(req.OwnerID)
	if err != nil {
		return domain.Event{}, err
	}
	evType := strings.TrimSpace(req.Type)
	if evType == "" {
		evType = domain.EventUploadCompleted
	}
	if req.Size < 0 {
		return domain.Event{}, badRequest("size must not be negative")
	}
	occurred := now
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		occurred = req.OccurredAt.UTC()
	}
	return domain.Event{
		Type:       evType,
		OwnerID:    owner,
		FileName:   req.FileName,
		Size:       req.Size,
		Properties: req.Properties,
		OccurredAt: occurred,
	}, nil
}

// ingestEvent hands one pushed event to the engine within the owner's budget.
func (g *Gateway) ingestEvent(ctx context.Context, p principal, req EventRequest) (int, error) {
	ev, err := p.toEvent(req, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if err := g.limiter.Allow(ev.OwnerID); err != nil {
		g.logger.Warn("event rejected", slog.String("owner_id", ev.OwnerID), slog.String("error", err.Error()))
		return 0, errThrottled
	}
	// Dispatches outlive the request; the engine detaches them.
	return g.events.OnEvent(ctx, ev), nil
}

// **** Event Handlers ****

func (g *Gateway) handleEvent(c *okapi.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	n, err := g.ingestEvent(c.Context(), principalOf(c), req)
	if err != nil {
		return g.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, EventResponse{Dispatches: n})
}
