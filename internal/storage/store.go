// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tripwire/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// RuleStore persists automation rules.
type RuleStore interface {
	Create(ctx context.Context, rule *domain.Rule) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Rule, error)
	List(ctx context.Context, ownerID string) ([]domain.Rule, error)
	// ListActiveRules returns runnable rules (active, enforcement active) of one
	// trigger kind, or of every kind when kind is empty.
	ListActiveRules(ctx context.Context, kind domain.TriggerKind) ([]domain.Rule, error)
	Update(ctx context.Context, rule *domain.Rule) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SetEnforcementStatus(ctx context.Context, id uuid.UUID, status domain.EnforcementStatus) error
	// MarkLastTriggered records a successful run. It touches nothing else.
	MarkLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ExecutionLogStore is the append-only run history.
type ExecutionLogStore interface {
	Append(ctx context.Context, entry *domain.ExecutionLogEntry) error
	ListByRule(ctx context.Context, ruleID uuid.UUID, limit int) ([]domain.ExecutionLogEntry, error)
	// ListSince returns entries created at or after since, oldest first.
	ListSince(ctx context.Context, since time.Time) ([]domain.ExecutionLogEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// NotificationStore holds dashboard notifications.
type NotificationStore interface {
	Insert(ctx context.Context, n *domain.Notification) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Notification, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}

// ChannelStore holds connected email and chat accounts.
type ChannelStore interface {
	Create(ctx context.Context, acct *domain.ChannelAccount) error
	Get(ctx context.Context, id uuid.UUID) (*domain.ChannelAccount, error)
	// ListByOwner returns the owner's accounts of kind, oldest first.
	ListByOwner(ctx context.Context, ownerID string, kind domain.ChannelKind) ([]domain.ChannelAccount, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Store is the unified persistence interface for Tripwire.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Rules() RuleStore
	ExecutionLog() ExecutionLogStore
	Notifications() NotificationStore
	Channels() ChannelStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/tripwire.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DefaultDriver  = DriverSQLite
)
