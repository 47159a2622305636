package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/tripwire/internal/domain"
)

// ExecutionLogRepository implements storage.ExecutionLogStore with GORM.
type ExecutionLogRepository struct {
	db *gorm.DB
}

// NewExecutionLogRepository creates an ExecutionLogRepository.
func NewExecutionLogRepository(db *gorm.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db}
}

// Append inserts an entry. Entries are never updated.
func (r *ExecutionLogRepository) Append(ctx context.Context, entry *domain.ExecutionLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	model := toExecutionLogModel(entry)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending execution log: %w", err)
	}
	entry.CreatedAt = model.CreatedAt
	return nil
}

// ListByRule returns the most recent entries for a rule, newest first.
func (r *ExecutionLogRepository) ListByRule(ctx context.Context, ruleID uuid.UUID, limit int) ([]domain.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []ExecutionLogModel
	if err := r.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing execution log for %s: %w", ruleID, err)
	}
	return toEntries(models), nil
}

// ListSince returns entries created at or after since, oldest first.
func (r *ExecutionLogRepository) ListSince(ctx context.Context, since time.Time) ([]domain.ExecutionLogEntry, error) {
	var models []ExecutionLogModel
	if err := r.db.WithContext(ctx).
		Where("created_at >= ?", since.UTC()).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing execution log since %s: %w", since.Format(time.RFC3339), err)
	}
	return toEntries(models), nil
}

// DeleteBefore prunes entries older than before.
func (r *ExecutionLogRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before.UTC()).
		Delete(&ExecutionLogModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning execution log: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func toEntries(models []ExecutionLogModel) []domain.ExecutionLogEntry {
	entries := make([]domain.ExecutionLogEntry, len(models))
	for i := range models {
		entries[i] = toExecutionLogDomain(&models[i])
	}
	return entries
}
