package postgres

import (
	"context"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/jkaninda/tripwire/internal/storage"
)

// Repositories lazily builds the GORM sub-stores over one *gorm.DB.
// Both the PostgreSQL and SQLite stores embed it.
type Repositories struct {
	db     *gorm.DB
	logger *slog.Logger

	mu            sync.Mutex
	rules         storage.RuleStore
	executionLog  storage.ExecutionLogStore
	notifications storage.NotificationStore
	channels      storage.ChannelStore
}

// NewRepositories wraps db. logger receives row-level decode failures.
func NewRepositories(db *gorm.DB, logger *slog.Logger) *Repositories {
	return &Repositories{db: db, logger: logger}
}

// GormDB returns the underlying GORM DB.
func (r *Repositories) GormDB() *gorm.DB {
	return r.db
}

func (r *Repositories) Rules() storage.RuleStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rules == nil {
		r.rules = NewRuleRepository(r.db, r.logger)
	}
	return r.rules
}

func (r *Repositories) ExecutionLog() storage.ExecutionLogStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executionLog == nil {
		r.executionLog = NewExecutionLogRepository(r.db)
	}
	return r.executionLog
}

func (r *Repositories) Notifications() storage.NotificationStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notifications == nil {
		r.notifications = NewNotificationRepository(r.db)
	}
	return r.notifications
}

func (r *Repositories) Channels() storage.ChannelStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels == nil {
		r.channels = NewChannelRepository(r.db)
	}
	return r.channels
}

// Ping checks the database connection for readiness probes.
func (r *Repositories) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (r *Repositories) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*Repositories
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps an open GORM connection as a unified Store.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{Repositories: NewRepositories(db, logger), logger: logger}
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := AutoMigrate(ctx, s.db); err != nil {
		return err
	}
	s.logger.Info("postgres schema migrated")
	return nil
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}
