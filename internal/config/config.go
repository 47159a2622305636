// Package config handles loading and validating Tripwire configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Tripwire.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`         // Persistent data directory. Default: ~/.tripwire/data. Override: TRIPWIRE_DATA_DIR env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`       // debug, info (default), warn, error.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`           // nil = SQLite under data_dir.
	Engine        *EngineConfig        `json:"engine,omitempty" yaml:"engine,omitempty"`             // nil = defaults.
	Sources       *SourcesConfig       `json:"sources,omitempty" yaml:"sources,omitempty"`           // nil = host metrics only, no data sources.
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"` // nil = no SMTP fallback.
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`           // nil = env-only secrets.
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                 // nil = HTTP surface on :8080.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/tripwire.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: TRIPWIRE_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// EngineConfig tunes the rule engine loops and the retry policy.
type EngineConfig struct {
	TickIntervalSeconds      int    `json:"tick_interval_seconds" yaml:"tick_interval_seconds"`             // Metrics and schedule loop. Default: 30.
	QueryTickIntervalSeconds int    `json:"query_tick_interval_seconds" yaml:"query_tick_interval_seconds"` // Data-query loop. Default: 30.
	RetryMaxAttempts         int    `json:"retry_max_attempts" yaml:"retry_max_attempts"`                   // Default: 3.
	RetryDelaysSeconds       []int  `json:"retry_delays_seconds" yaml:"retry_delays_seconds"`               // Default: [2, 4].
	FailFastConfigErrors     bool   `json:"fail_fast_config_errors" yaml:"fail_fast_config_errors"`         // Default: false.
	Timezone                 string `json:"timezone" yaml:"timezone"`                                       // IANA name for cron matching. Default: UTC.
	LogRetentionDays         int    `json:"log_retention_days" yaml:"log_retention_days"`                   // 0 = keep forever.
}

// TickInterval returns the metrics/schedule loop interval.
func (e *EngineConfig) TickInterval() time.Duration {
	if e != nil && e.TickIntervalSeconds > 0 {
		return time.Duration(e.TickIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// QueryTickInterval returns the data-query loop interval.
func (e *EngineConfig) QueryTickInterval() time.Duration {
	if e != nil && e.QueryTickIntervalSeconds > 0 {
		return time.Duration(e.QueryTickIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxAttempts returns the retry attempt bound.
func (e *EngineConfig) MaxAttempts() int {
	if e != nil && e.RetryMaxAttempts > 0 {
		return e.RetryMaxAttempts
	}
	return 3
}

// RetryDelays returns the waits before attempt 2, 3, ...
func (e *EngineConfig) RetryDelays() []time.Duration {
	if e == nil || len(e.RetryDelaysSeconds) == 0 {
		return []time.Duration{2 * time.Second, 4 * time.Second}
	}
	out := make([]time.Duration, len(e.RetryDelaysSeconds))
	for i, s := range e.RetryDelaysSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// FailFast reports whether configuration errors skip the remaining attempts.
func (e *EngineConfig) FailFast() bool {
	return e != nil && e.FailFastConfigErrors
}

// Location returns the wall-clock zone used for cron matching.
func (e *EngineConfig) Location() (*time.Location, error) {
	if e == nil || e.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(e.Timezone)
}

// LogRetention returns how long execution log entries are kept. 0 = forever.
func (e *EngineConfig) LogRetention() time.Duration {
	if e != nil && e.LogRetentionDays > 0 {
		return time.Duration(e.LogRetentionDays) * 24 * time.Hour
	}
	return 0
}

// SourcesConfig configures signal sources.
type SourcesConfig struct {
	Metrics *HostMetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	SQL     []SQLSourceConfig  `json:"sql,omitempty" yaml:"sql,omitempty"` // Named data sources for data_query rules.
}

// HostMetricsConfig configures the host CPU/disk/memory source.
type HostMetricsConfig struct {
	DiskPath          string `json:"disk_path" yaml:"disk_path"`               // Default: "/".
	CPUSampleMillis   int    `json:"cpu_sample_ms" yaml:"cpu_sample_ms"`       // Default: 500.
	DataDirAsDiskPath bool   `json:"data_dir_as_disk" yaml:"data_dir_as_disk"` // Measure the volume holding data_dir.
}

// DiskPathOr returns the configured disk path, or dataDir when requested, or "/".
func (h *HostMetricsConfig) DiskPathOr(dataDir string) string {
	switch {
	case h == nil:
		return "/"
	case h.DataDirAsDiskPath && dataDir != "":
		return dataDir
	case h.DiskPath != "":
		return h.DiskPath
	}
	return "/"
}

// CPUSample returns the CPU sampling window.
func (h *HostMetricsConfig) CPUSample() time.Duration {
	if h != nil && h.CPUSampleMillis > 0 {
		return time.Duration(h.CPUSampleMillis) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// SQLSourceConfig is one named database that data_query rules may read.
// DSNRef, when set, is a secret reference ("env://NAME", "vault://path#field")
// resolved at startup and takes precedence over DSN.
type SQLSourceConfig struct {
	ID             string `json:"id" yaml:"id"`
	Driver         string `json:"driver" yaml:"driver"` // postgres, mysql or sqlite.
	DSN            string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	DSNRef         string `json:"dsn_ref,omitempty" yaml:"dsn_ref,omitempty"`
	MaxRows        int    `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`               // Default: 1000.
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 30.
}

// NotificationConfig configures action delivery.
type NotificationConfig struct {
	Email                   *EmailConfig `json:"email,omitempty" yaml:"email,omitempty"`                   // nil = no system SMTP fallback.
	CredentialCacheSeconds  int          `json:"credential_cache_seconds" yaml:"credential_cache_seconds"` // Default: 120.
	BlockPrivateWebhookURLs bool         `json:"block_private_webhook_urls" yaml:"block_private_webhook_urls"`
}

// CredentialCacheTTL returns how long resolved channel credentials are cached.
func (n *NotificationConfig) CredentialCacheTTL() time.Duration {
	if n != nil && n.CredentialCacheSeconds > 0 {
		return time.Duration(n.CredentialCacheSeconds) * time.Second
	}
	return 2 * time.Minute
}

// EmailConfig is the system SMTP transport used when an owner has no
// connected email account. The password may come from SMTP_PASSWORD.
type EmailConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"` // Default: 587.
	Username string `json:"username" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"` // Override: SMTP_PASSWORD env var.
	From     string `json:"from" yaml:"from"`
	TLS      bool   `json:"tls" yaml:"tls"` // Implicit TLS (usually port 465). false = STARTTLS when offered.
}

// SMTPPort returns the configured port, defaulting to 587.
func (e *EmailConfig) SMTPPort() int {
	if e != nil && e.Port > 0 {
		return e.Port
	}
	return 587
}

// SecretsConfig configures secret reference resolution.
// The env provider is always available.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault KV v2 provider.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"` // Override: VAULT_TOKEN env var.
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// HTTPConfig configures the host HTTP surface.
// /v1 routes require a bearer key from APIKeys; the owner "*" may act for any owner.
type HTTPConfig struct {
	Disabled            bool              `json:"disabled" yaml:"disabled"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`               // Default: ":8080". Override: TRIPWIRE_HTTP_ADDR env var.
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key → owner ID. TRIPWIRE_API_KEY adds an admin key.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	EventsPerMinute     int               `json:"events_per_minute" yaml:"events_per_minute"` // Per-owner push budget. 0 = unlimited.
	EventBurst          int               `json:"event_burst" yaml:"event_burst"`             // Default: events_per_minute.
}

// Addr returns the listen address, defaulting to ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// Enabled reports whether the HTTP surface should run.
func (h *HTTPConfig) Enabled() bool { return h == nil || !h.Disabled }

// ObservabilityConfig configures metrics, tracing and anomaly detection.
// When nil, metrics are exposed and the rest is disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Disabled bool   `json:"disabled" yaml:"disabled"`
	Path     string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tripwire"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures the delivery failure-rate detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed attempts
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// MetricsEnabled reports whether Prometheus metrics are collected.
func (o *ObservabilityConfig) MetricsEnabled() bool {
	return o == nil || o.Metrics == nil || !o.Metrics.Disabled
}

// DefaultConfigPath returns the config file path used when none is given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tripwire.yaml"
	}
	return filepath.Join(home, ".tripwire", "config.yaml")
}

// Default returns an empty configuration with environment overrides applied.
// Used when no config file exists.
func Default() (*Config, error) {
	cfg := &Config{}
	return cfg, cfg.finish()
}

// Load reads a JSON or YAML config file (by extension), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	c.applyEnv()

	// Resolve DataDir default.
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".tripwire", "data")
		}
	}

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv lets environment variables take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("TRIPWIRE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TRIPWIRE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TRIPWIRE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		if c.Notification != nil && c.Notification.Email != nil {
			c.Notification.Email.Password = v
		}
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		if c.Secrets != nil && c.Secrets.Vault != nil {
			c.Secrets.Vault.Token = v
		}
	}
	if v := os.Getenv("TRIPWIRE_HTTP_ADDR"); v != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("TRIPWIRE_API_KEY"); v != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = make(map[string]string)
		}
		c.HTTP.APIKeys[v] = "*"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".tripwire", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "tripwire.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	if e := c.Engine; e != nil {
		if e.TickIntervalSeconds < 0 || e.QueryTickIntervalSeconds < 0 {
			return fmt.Errorf("engine tick intervals must not be negative")
		}
		if e.RetryMaxAttempts < 0 {
			return fmt.Errorf("engine.retry_max_attempts must not be negative")
		}
		for i, d := range e.RetryDelaysSeconds {
			if d < 0 {
				return fmt.Errorf("engine.retry_delays_seconds[%d] must not be negative", i)
			}
		}
		if e.LogRetentionDays < 0 {
			return fmt.Errorf("engine.log_retention_days must not be negative")
		}
		if _, err := e.Location(); err != nil {
			return fmt.Errorf("engine.timezone %q: %w", e.Timezone, err)
		}
	}

	if c.Sources != nil {
		ids := make(map[string]bool, len(c.Sources.SQL))
		for i, src := range c.Sources.SQL {
			if src.ID == "" {
				return fmt.Errorf("sources.sql[%d].id is required", i)
			}
			if ids[src.ID] {
				return fmt.Errorf("sources.sql[%d]: duplicate source id %q", i, src.ID)
			}
			ids[src.ID] = true
			switch src.Driver {
			case "postgres", "mysql", "sqlite":
			default:
				return fmt.Errorf("sources.sql[%d] (%q): driver must be postgres, mysql or sqlite", i, src.ID)
			}
			if src.DSN == "" && src.DSNRef == "" {
				return fmt.Errorf("sources.sql[%d] (%q): dsn or dsn_ref is required", i, src.ID)
			}
		}
	}

	if c.Notification != nil && c.Notification.Email != nil {
		if c.Notification.Email.Host == "" {
			return fmt.Errorf("notification.email.host is required")
		}
		if c.Notification.Email.From == "" && c.Notification.Email.Username == "" {
			return fmt.Errorf("notification.email.from is required")
		}
	}

	if c.HTTP != nil && (c.HTTP.EventsPerMinute < 0 || c.HTTP.EventBurst < 0) {
		return fmt.Errorf("http.events_per_minute and http.event_burst must not be negative")
	}

	if c.Secrets != nil && c.Secrets.Vault != nil && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required")
	}

	if t := c.tracing(); t != nil && t.Enabled {
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
