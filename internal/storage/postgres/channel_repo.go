package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/tripwire/internal/domain"
	"github.com/jkaninda/tripwire/internal/storage"
)

// ChannelRepository implements storage.ChannelStore with GORM.
type ChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a ChannelRepository.
func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// Create persists a connected channel account.
func (r *ChannelRepository) Create(ctx context.Context, acct *domain.ChannelAccount) error {
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	model, err := toChannelAccountModel(acct)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating channel account: %w", err)
	}
	acct.CreatedAt, acct.UpdatedAt = model.CreatedAt, model.UpdatedAt
	return nil
}

// Get retrieves a channel account by ID.
func (r *ChannelRepository) Get(ctx context.Context, id uuid.UUID) (*domain.ChannelAccount, error) {
	var model ChannelAccountModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("channel account %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting channel account %s: %w", id, err)
	}
	return toChannelAccountDomain(&model)
}

// ListByOwner returns the owner's accounts of one kind, oldest first.
func (r *ChannelRepository) ListByOwner(ctx context.Context, ownerID string, kind domain.ChannelKind) ([]domain.ChannelAccount, error) {
	var models []ChannelAccountModel
	if err := r.db.WithContext(ctx).
		Scopes(OwnerScope(ownerID)).
		Where("kind = ?", string(kind)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing channel accounts: %w", err)
	}
	out := make([]domain.ChannelAccount, 0, len(models))
	for i := range models {
		acct, err := toChannelAccountDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, nil
}

// Delete soft-deletes a channel account.
func (r *ChannelRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&ChannelAccountModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting channel account %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("channel account %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
