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

// NotificationRepository implements storage.NotificationStore with GORM.
type NotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a NotificationRepository.
func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Insert persists a dashboard notification.
func (r *NotificationRepository) Insert(ctx context.Context, n *domain.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	model := toNotificationModel(n)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// Get retrieves a notification by ID.
func (r *NotificationRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	var model NotificationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("notification %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting notification %s: %w", id, err)
	}
	n := toNotificationDomain(&model)
	return &n, nil
}

// ListByOwner returns the owner's notifications, newest first.
func (r *NotificationRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []NotificationModel
	if err := r.db.WithContext(ctx).
		Scopes(OwnerScope(ownerID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	out := make([]domain.Notification, len(models))
	for i := range models {
		out[i] = toNotificationDomain(&models[i])
	}
	return out, nil
}

// MarkRead flags a notification as read.
func (r *NotificationRepository) MarkRead(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ?", id).
		Update("read", true)
	if result.Error != nil {
		return fmt.Errorf("marking notification %s read: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notification %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
