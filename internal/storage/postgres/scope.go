package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/tripwire/internal/domain"
)

// OwnerScope returns a GORM scope that filters by owner_id.
func OwnerScope(ownerID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("owner_id = ?", ownerID)
	}
}

// RunnableScope restricts rules to those the engine may execute.
func RunnableScope(db *gorm.DB) *gorm.DB {
	return db.Where("is_active = ? AND enforcement_status = ?", true, string(domain.EnforcementActive))
}
