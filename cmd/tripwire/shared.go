package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/tripwire/internal/config"
	"github.com/jkaninda/tripwire/internal/credentials"
	"github.com/jkaninda/tripwire/internal/notification"
	"github.com/jkaninda/tripwire/internal/observability"
	"github.com/jkaninda/tripwire/internal/secrets"
	"github.com/jkaninda/tripwire/internal/signal"
	"github.com/jkaninda/tripwire/internal/storage"
	pgstore "github.com/jkaninda/tripwire/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/tripwire/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command that touches storage
// needs. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   storage.Store // SQLite or PostgreSQL.
	Obs     *observability.Observability
	Secrets *secrets.Router

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process JSON logger at the given level.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfig reads the config file named by TRIPWIRE_CONFIG or path. A
// missing file at the default location falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	resolved := goutils.Env("TRIPWIRE_CONFIG", path)
	cfg, err := config.Load(resolved)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && resolved == config.DefaultConfigPath() {
		return config.Default()
	}
	return nil, err
}

// initShared opens storage, runs migrations and prepares observability and
// secret resolution. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	obs.Health.AddCheck("store", store.Ping)

	// Secrets.
	router, err := initSecrets(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}
	sc.Secrets = router
	logger.Debug("secret providers initialized", slog.Any("schemes", router.Schemes()))

	return sc, nil
}

// initStore creates the storage backend based on config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case "postgres":
		return initPostgresStore(cfg, logger)
	default:
		return initSQLiteStore(cfg, logger)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite store: %w", err)
	}

	logger.Info("storage initialized",
		slog.String("driver", "sqlite"),
		slog.String("path", dbPath),
	)
	return store, nil
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres storage requires storage.postgres.dsn or TRIPWIRE_DB_DSN")
	}
	pg := cfg.Storage.Postgres

	store, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening PostgreSQL store: %w", err)
	}

	logger.Info("storage initialized", slog.String("driver", "postgres"))
	return store, nil
}

// initSecrets builds the reference router. The env provider is always present.
func initSecrets(cfg *config.Config) (*secrets.Router, error) {
	providers := []secrets.Provider{secrets.NewEnvProvider()}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vp, err := secrets.NewVaultProvider(secrets.VaultOptions{
			Address:   v.Address,
			Token:     v.Token,
			Namespace: v.Namespace,
			Timeout:   time.Duration(v.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, vp)
	}
	return secrets.NewRouter(providers...), nil
}

// initSQLSources resolves DSN references and opens the executor for
// data_query rules. Returns nil when no sources are configured.
func initSQLSources(ctx context.Context, cfg *config.Config, resolver *secrets.Router, logger *slog.Logger) (*signal.SQLExecutor, error) {
	if cfg.Sources == nil || len(cfg.Sources.SQL) == 0 {
		return nil, nil
	}
	sources := make([]signal.SourceConfig, 0, len(cfg.Sources.SQL))
	for _, s := range cfg.Sources.SQL {
		dsn := s.DSN
		if s.DSNRef != "" {
			v, err := resolver.Resolve(ctx, s.DSNRef)
			if err != nil {
				return nil, fmt.Errorf("resolving dsn for source %q: %w", s.ID, err)
			}
			dsn = v
		}
		sources = append(sources, signal.SourceConfig{
			ID:             s.ID,
			Driver:         s.Driver,
			DSN:            dsn,
			MaxRows:        s.MaxRows,
			TimeoutSeconds: s.TimeoutSeconds,
		})
	}
	logger.Debug("data sources configured", slog.Int("count", len(sources)))
	return signal.NewSQLExecutor(sources, logger), nil
}

// initDispatcher registers every action sender and wraps the dispatcher
// with delivery metrics, tracing and failure-rate detection.
func initDispatcher(sc *SharedComponents, resolver *credentials.Resolver) *observability.InstrumentedDispatcher {
	cfg := sc.Config
	blockPrivate := cfg.Notification != nil && cfg.Notification.BlockPrivateWebhookURLs

	dispatcher := notification.NewDispatcher(sc.Logger)
	dispatcher.RegisterSender(notification.NewEmailSender(resolver, notification.SendSMTP))
	dispatcher.RegisterSender(notification.NewChatSender(resolver, notification.WithPrivateTargetsBlocked(blockPrivate)))
	dispatcher.RegisterSender(notification.NewWebhookSender(notification.WithPrivateTargetsBlocked(blockPrivate)))
	dispatcher.RegisterSender(notification.NewDashboardSender(sc.Store.Notifications()))
	sc.Logger.Debug("notification dispatcher initialized", slog.Bool("block_private_targets", blockPrivate))

	return observability.NewInstrumentedDispatcher(dispatcher, sc.Obs.Metrics, sc.Obs.TracerOrNil(), sc.Obs.Anomaly)
}

// fallbackEmail converts the configured system SMTP mailbox, if any.
func fallbackEmail(cfg *config.Config) *notification.EmailTransport {
	if cfg.Notification == nil || cfg.Notification.Email == nil || cfg.Notification.Email.Host == "" {
		return nil
	}
	e := cfg.Notification.Email
	return &notification.EmailTransport{
		Host:     e.Host,
		Port:     e.SMTPPort(),
		Username: e.Username,
		Password: e.Password,
		From:     e.From,
		TLS:      e.TLS,
		Source:   "fallback",
	}
}
