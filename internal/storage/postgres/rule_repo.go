package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/storage"
)

// RuleRepository implements storage.RuleStore with GORM.
type RuleRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewRuleRepository creates a RuleRepository. logger may be nil.
func NewRuleRepository(db *gorm.DB, logger *slog.Logger) *RuleRepository {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RuleRepository{db: db, logger: logger}
}

// Create persists a new rule, assigning an ID when missing.
func (r *RuleRepository) Create(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	model, err := toRuleModel(rule)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating rule: %w", err)
	}
	rule.CreatedAt, rule.UpdatedAt = model.CreatedAt, model.UpdatedAt
	return nil
}

// Get retrieves a rule by ID.
func (r *RuleRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Rule, error) {
	var model RuleModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting rule %s: %w", id, err)
	}
	return toRuleDomain(&model)
}

// List returns every rule owned by ownerID, newest first.
func (r *RuleRepository) List(ctx context.Context, ownerID string) ([]domain.Rule, error) {
	var models []RuleModel
	if err := r.db.WithContext(ctx).
		Scopes(OwnerScope(ownerID)).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	return r.toDomain(models)
}

// ListActiveRules returns runnable rules of the given trigger kind.
func (r *RuleRepository) ListActiveRules(ctx context.Context, kind domain.TriggerKind) ([]domain.Rule, error) {
	q := r.db.WithContext(ctx).Scopes(RunnableScope)
	if kind != "" {
		q = q.Where("trigger_kind = ?", string(kind))
	}
	var models []RuleModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing active rules: %w", err)
	}
	return r.toDomain(models)
}

// Update persists owner edits to an existing rule.
func (r *RuleRepository) Update(ctx context.Context, rule *domain.Rule) error {
	model, err := toRuleModel(rule)
	if err != nil {
		return err
	}
	model.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&RuleModel{}).
		Where("id = ?", rule.ID).
		Select("name", "trigger_kind", "trigger_config", "action_kind", "action_config", "is_active", "updated_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating rule %s: %w", rule.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, storage.ErrNotFound)
	}
	return nil
}

// SetActive toggles a rule's active flag.
func (r *RuleRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.updateColumn(ctx, id, "is_active", active)
}

// SetEnforcementStatus records a plan-limit policy decision.
func (r *RuleRepository) SetEnforcementStatus(ctx context.Context, id uuid.UUID, status domain.EnforcementStatus) error {
	return r.updateColumn(ctx, id, "enforcement_status", string(status))
}

// MarkLastTriggered sets last_triggered_at without touching updated_at.
func (r *RuleRepository) MarkLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&RuleModel{}).
		Where("id = ?", id).
		UpdateColumn("last_triggered_at", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("marking rule %s triggered: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// Delete soft-deletes a rule.
func (r *RuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&RuleModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting rule %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (r *RuleRepository) updateColumn(ctx context.Context, id uuid.UUID, column string, value any) error {
	result := r.db.WithContext(ctx).
		Model(&RuleModel{}).
		Where("id = ?", id).
		Update(column, value)
	if result.Error != nil {
		return fmt.Errorf("updating rule %s %s: %w", id, column, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// toDomain converts rows, skipping any that no longer decode so one corrupt
// rule cannot hide the rest of the list.
func (r *RuleRepository) toDomain(models []RuleModel) ([]domain.Rule, error) {
	rules := make([]domain.Rule, 0, len(models))
	for i := range models {
		rule, err := toRuleDomain(&models[i])
		if err != nil {
			r.logger.Error("skipping undecodable rule",
				slog.String("rule_id", models[i].ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		rules = append(rules, *rule)
	}
	return rules, nil
}
