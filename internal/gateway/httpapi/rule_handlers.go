package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tripwire/internal/domain"
)

const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 500
)

// **** Rule request/response types ****

// ComponentRequest is a trigger or action: its kind plus kind-specific config.
type ComponentRequest struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

type RuleRequest struct {
	Name     string           `json:"name"`
	OwnerID  string           `json:"owner_id,omitempty"`
	Trigger  ComponentRequest `json:"trigger"`
	Action   ComponentRequest `json:"action"`
	IsActive *bool            `json:"is_active,omitempty"`
}

type ComponentResponse struct {
	Kind   string `json:"kind"`
	Config any    `json:"config"`
}

type RuleResponse struct {
	ID                string            `json:"id"`
	OwnerID           string            `json:"owner_id"`
	Name              string            `json:"name"`
	Trigger           ComponentResponse `json:"trigger"`
	Action            ComponentResponse `json:"action"`
	IsActive          bool              `json:"is_active"`
	EnforcementStatus string            `json:"enforcement_status"`
	LastTriggeredAt   *time.Time        `json:"last_triggered_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func toRuleResponse(r *domain.Rule) RuleResponse {
	return RuleResponse{
		ID:                r.ID.String(),
		OwnerID:           r.OwnerID,
		Name:              r.Name,
		Trigger:           ComponentResponse{Kind: string(r.TriggerKind()), Config: r.Trigger},
		Action:            ComponentResponse{Kind: string(r.ActionKind()), Config: r.Action},
		IsActive:          r.IsActive,
		EnforcementStatus: string(r.EnforcementStatus),
		LastTriggeredAt:   r.LastTriggeredAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type EnforcementRequest struct {
	Status string `json:"status"`
}

type ExecutionResponse struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"rule_id"`
	TriggerKind  string          `json:"trigger_kind"`
	ActionKind   string          `json:"action_kind"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       string          `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toExecutionResponse(e *domain.ExecutionLogEntry) ExecutionResponse {
	return ExecutionResponse{
		ID:           e.ID.String(),
		RuleID:       e.RuleID.String(),
		TriggerKind:  string(e.TriggerKind),
		ActionKind:   string(e.ActionKind),
		Status:       string(e.Status),
		Payload:      e.PayloadSnapshot,
		Result:       e.Result,
		Error:        e.Error,
		AttemptCount: e.AttemptCount,
		CreatedAt:    e.CreatedAt,
	}
}

// **** Rule routes ****

func (g *Gateway) ruleRoutes() {
	g.group.Post("/rules", g.handleRuleCreate,
		okapi.DocSummary("Create an automation rule"),
		okapi.DocTags("Rules"),
		okapi.DocRequestBody(RuleRequest{}),
		okapi.DocResponse(http.StatusCreated, RuleResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/rules", g.handleRuleList,
		okapi.DocSummary("List automation rules"),
		okapi.DocTags("Rules"),
		okapi.DocResponse([]RuleResponse{}),
	)
	g.group.Get("/rules/{id}", g.handleRuleGet,
		okapi.DocSummary("Get an automation rule"),
		okapi.DocTags("Rules"),
		okapi.DocPathParam("id", "string", "Rule ID (UUID)"),
		okapi.DocResponse(RuleResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/rules/{id}", g.handleRuleUpdate,
		okapi.DocSummary("Update an automation rule"),
		okapi.DocTags("Rules"),
		okapi.DocPathParam("id", "string", "Rule ID (UUID)"),
		okapi.DocRequestBody(RuleRequest{}),
		okapi.DocResponse(RuleResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/rules/{id}", g.handleRuleDelete,
		okapi.DocSummary("Delete an automation rule"),
		okapi.DocTags("Rules"),
		okapi.DocPathParam("id", "string", "Rule ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/rules/{id}/enforcement", g.handleRuleEnforcement,
		okapi.DocSummary("Set a rule's enforcement status (admin keys only)"),
		okapi.DocTags("Rules"),
		okapi.DocPathParam("id", "string", "Rule ID (UUID)"),
		okapi.DocRequestBody(EnforcementRequest{}),
		okapi.DocResponse(RuleResponse{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
	)
	if g.execLog != nil {
		g.group.Get("/rules/{id}/executions", g.handleRuleExecutions,
			okapi.DocSummary("List a rule's execution history, newest first"),
			okapi.DocTags("Rules"),
			okapi.DocPathParam("id", "string", "Rule ID (UUID)"),
			okapi.DocResponse([]ExecutionResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}
}

// **** Rule service ****

// buildRule decodes req over base. base is nil on create.
func (g *Gateway) buildRule(p principal, req RuleRequest, base *domain.Rule, now time.Time) (*domain.Rule, error) {
	rule := &domain.Rule{}
	if base != nil {
		copied := *base
		rule = &copied
	} else {
		owner, err := p.owner(req.OwnerID)
		if err != nil {
			return nil, err
		}
		rule.ID = uuid.New()
		rule.OwnerID = owner
		rule.IsActive = true
		rule.EnforcementStatus = domain.EnforcementActive
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if req.Name != "" || base == nil {
		rule.Name = req.Name
	}
	if rule.Name == "" {
		return nil, badRequest("name is required")
	}
	if req.Trigger.Kind != "" || base == nil {
		tr, err := domain.DecodeTrigger(domain.TriggerKind(req.Trigger.Kind), req.Trigger.Config)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		rule.Trigger = tr
	}
	if req.Action.Kind != "" || base == nil {
		act, err := domain.DecodeAction(domain.ActionKind(req.Action.Kind), req.Action.Config)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		rule.Action = act
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if err := g.validate(rule); err != nil {
		return nil, badRequest(err.Error())
	}
	return rule, nil
}

func (g *Gateway) createRule(ctx context.Context, p principal, req RuleRequest) (*domain.Rule, error) {
	rule, err := g.buildRule(p, req, nil, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := g.rules.Create(ctx, rule); err != nil {
		return nil, err
	}
	g.logger.Info("rule created",
		slog.String("rule_id", rule.ID.String()),
		slog.String("owner_id", rule.OwnerID),
		slog.String("trigger", string(rule.TriggerKind())),
		slog.String("action", string(rule.ActionKind())),
	)
	return rule, nil
}

// getRule loads a rule visible to p. Rules of other owners read as missing.
func (g *Gateway) getRule(ctx context.Context, p principal, id uuid.UUID) (*domain.Rule, error) {
	rule, err := g.rules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.canSee(rule.OwnerID) {
		return nil, errNotFound
	}
	return rule, nil
}

func (g *Gateway) listRules(ctx context.Context, p principal, requestedOwner string) ([]domain.Rule, error) {
	owner, err := p.owner(requestedOwner)
	if err != nil {
		return nil, err
	}
	return g.rules.List(ctx, owner)
}

func (g *Gateway) updateRule(ctx context.Context, p principal, id uuid.UUID, req RuleRequest) (*domain.Rule, error) {
	existing, err := g.getRule(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != "" && req.OwnerID != existing.OwnerID {
		return nil, badRequest("owner_id cannot be changed")
	}
	rule, err := g.buildRule(p, req, existing, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := g.rules.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (g *Gateway) deleteRule(ctx context.Context, p principal, id uuid.UUID) error {
	if _, err := g.getRule(ctx, p, id); err != nil {
		return err
	}
	if err := g.rules.Delete(ctx, id); err != nil {
		return err
	}
	if g.tracker != nil {
		g.tracker.Forget(id)
	}
	g.logger.Info("rule deleted", slog.String("rule_id", id.String()))
	return nil
}

// setEnforcement is reserved for admin keys; the plan-limit policy owns this field.
func (g *Gateway) setEnforcement(ctx context.Context, p principal, id uuid.UUID, status string) (*domain.Rule, error) {
	if !p.admin() {
		return nil, errForbidden
	}
	st := domain.EnforcementStatus(status)
	switch st {
	case domain.EnforcementActive, domain.EnforcementSuspended, domain.EnforcementOverLimit:
	default:
		return nil, badRequest("status must be one of active, suspended, over_limit")
	}
	if err := g.rules.SetEnforcementStatus(ctx, id, st); err != nil {
		return nil, err
	}
	g.logger.Info("rule enforcement changed",
		slog.String("rule_id", id.String()),
		slog.String("status", status),
	)
	return g.rules.Get(ctx, id)
}

func (g *Gateway) listExecutions(ctx context.Context, p principal, id uuid.UUID, limit int) ([]domain.ExecutionLogEntry, error) {
	if _, err := g.getRule(ctx, p, id); err != nil {
		return nil, err
	}
	return g.execLog.ListByRule(ctx, id, clampLimit(limit))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultExecutionLimit
	case limit > maxExecutionLimit:
		return maxExecutionLimit
	default:
		return limit
	}
}

// **** Rule Handlers ****

func (g *Gateway) handleRuleCreate(c *okapi.Context) error {
	var req RuleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	rule, err := g.createRule(c.Context(), principalOf(c), req)
	if err != nil {
		return g.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, toRuleResponse(rule))
}

func (g *Gateway) handleRuleList(c *okapi.Context) error {
	rules, err := g.listRules(c.Context(), principalOf(c), c.Request().URL.Query().Get("owner_id"))
	if err != nil {
		return g.respondError(c, err)
	}
	resp := make([]RuleResponse, len(rules))
	for i := range rules {
		resp[i] = toRuleResponse(&rules[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleRuleGet(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.respondError(c, err)
	}
	rule, err := g.getRule(c.Context(), principalOf(c), id)
	if err != nil {
		return g.respondError(c, err)
	}
	return c.OK(toRuleResponse(rule))
}

func (g *Gateway) handleRuleUpdate(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.respondError(c, err)
	}
	var req RuleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	rule, err := g.updateRule(c.Context(), principalOf(c), id, req)
	if err != nil {
		return g.respondError(c, err)
	}
	return c.OK(toRuleResponse(rule))
}

func (g *Gateway) handleRuleDelete(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.respondError(c, err)
	}
	if err := g.deleteRule(c.Context(), principalOf(c), id); err != nil {
		return g.respondError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleRuleEnforcement(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.respondError(c, err)
	}
	var req EnforcementRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	rule, err := g.setEnforcement(c.Context(), principalOf(c), id, req.Status)
	if err != nil {
		return g.respondError(c, err)
	}
	return c.OK(toRuleResponse(rule))
}

func (g *Gateway) handleRuleExecutions(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return g.respondError(c, err)
	}
	limit, _ := strconv.Atoi(c.Request().URL.Query().Get("limit"))
	entries, err := g.listExecutions(c.Context(), principalOf(c), id, limit)
	if err != nil {
		return g.respondError(c, err)
	}
	resp := make([]ExecutionResponse, len(entries))
	for i := range entries {
		resp[i] = toExecutionResponse(&entries[i])
	}
	return c.OK(resp)
}
