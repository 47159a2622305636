package postgres

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is raw JSON stored in a jsonb column (TEXT on SQLite).
type JSONB []byte

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner for both []byte and string driver values.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", src)
	}
	return nil
}

// RuleModel maps to the "automation_rules" table.
type RuleModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID           string    `gorm:"not null;index"`
	Name              string    `gorm:"not null"`
	TriggerKind       string    `gorm:"not null;index"`
	TriggerConfig     JSONB     `gorm:"type:jsonb;not null"`
	ActionKind        string    `gorm:"not null"`
	ActionConfig      JSONB     `gorm:"type:jsonb;not null"`
	IsActive          bool      `gorm:"not null;index"`
	EnforcementStatus string    `gorm:"not null;default:'active'"`
	LastTriggeredAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

func (RuleModel) TableName() string { return "automation_rules" }

// ExecutionLogModel maps to the "automation_execution_log" table.
// No UpdatedAt or DeletedAt: the log is append-only.
type ExecutionLogModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	RuleID          uuid.UUID `gorm:"type:uuid;not null;index"`
	OwnerID         string    `gorm:"not null;index"`
	TriggerKind     string    `gorm:"not null"`
	ActionKind      string    `gorm:"not null"`
	Status          string    `gorm:"not null"`
	PayloadSnapshot JSONB     `gorm:"type:jsonb;not null"`
	Result          string    `gorm:"type:text"`
	Error           string    `gorm:"type:text"`
	AttemptCount    int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"index"`
}

func (ExecutionLogModel) TableName() string { return "automation_execution_log" }

// NotificationModel maps to the "notifications" table.
type NotificationModel struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OwnerID   string     `gorm:"not null;index"`
	RuleID    *uuid.UUID `gorm:"type:uuid;index"`
	Title     string     `gorm:"not null"`
	Message   string     `gorm:"type:text"`
	Severity  string     `gorm:"not null"`
	Category  string     `gorm:"not null"`
	Read      bool       `gorm:"not null"`
	CreatedAt time.Time  `gorm:"index"`
}

func (NotificationModel) TableName() string { return "notifications" }

// ChannelAccountModel maps to the "channel_accounts" table.
type ChannelAccountModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID       string    `gorm:"not null;index:idx_channel_owner_kind"`
	Kind          string    `gorm:"not null;index:idx_channel_owner_kind"`
	Name          string    `gorm:"not null"`
	AutoDetected  bool      `gorm:"not null"`
	Config        JSONB     `gorm:"type:jsonb;not null"`
	CredentialRef string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

func (ChannelAccountModel) TableName() string { return "channel_accounts" }

// AllModels lists every table in FK-dependency order for AutoMigrate.
func AllModels() []any {
	return []any{
		&RuleModel{},
		&ExecutionLogModel{},
		&NotificationModel{},
		&ChannelAccountModel{},
	}
}
