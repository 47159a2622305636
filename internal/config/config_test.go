package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "tripwire.yaml", `
data_dir: /var/lib/tripwire
log_level: debug
engine:
  tick_interval_seconds: 10
  retry_delays_seconds: [1, 3]
  fail_fast_config_errors: true
  timezone: Europe/Paris
  log_retention_days: 30
sources:
  metrics:
    disk_path: /srv
  sql:
    - id: shop
      driver: postgres
      dsn_ref: env://SHOP_DSN
notification:
  email:
    host: smtp.example.com
    from: tripwire@example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tripwire", cfg.DataDir)
	assert.Equal(t, "DEBUG", cfg.SlogLevel().String())
	assert.Equal(t, 10*time.Second, cfg.Engine.TickInterval())
	assert.Equal(t, 30*time.Second, cfg.Engine.QueryTickInterval())
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.Engine.RetryDelays())
	assert.Equal(t, 3, cfg.Engine.MaxAttempts())
	assert.True(t, cfg.Engine.FailFast())
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.LogRetention())

	loc, err := cfg.Engine.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", loc.String())

	assert.Equal(t, "/srv", cfg.Sources.Metrics.DiskPathOr(cfg.DataDir))
	require.Len(t, cfg.Sources.SQL, 1)
	assert.Equal(t, "env://SHOP_DSN", cfg.Sources.SQL[0].DSNRef)
	assert.Equal(t, 587, cfg.Notification.Email.SMTPPort())
	assert.Equal(t, "sqlite", cfg.StorageDriverName())
	assert.Equal(t, filepath.Join("/var/lib/tripwire", "tripwire.db"), cfg.DatabasePath())
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "tripwire.json", `{"data_dir": "/tmp/tw", "http": {"listen_addr": ":9090"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr())
	assert.True(t, cfg.HTTP.Enabled())
	assert.True(t, cfg.Observability.MetricsEnabled())
	assert.Equal(t, "/metrics", (*MetricsConfig)(nil).MetricsPath())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRIPWIRE_DATA_DIR", "/env/data")
	t.Setenv("TRIPWIRE_DB_DSN", "postgres://u:p@db/tripwire")
	t.Setenv("SMTP_PASSWORD", "s3cret")
	t.Setenv("TRIPWIRE_HTTP_ADDR", "127.0.0.1:7000")

	path := writeConfig(t, "tripwire.yaml", `
data_dir: /file/data
notification:
  email:
    host: smtp.example.com
    username: bot@example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/env/data", cfg.DataDir)
	assert.Equal(t, "postgres", cfg.StorageDriverName())
	assert.Equal(t, "postgres://u:p@db/tripwire", cfg.Storage.Postgres.DSN)
	assert.Equal(t, "s3cret", cfg.Notification.Email.Password)
	assert.Equal(t, "127.0.0.1:7000", cfg.HTTP.Addr())
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"unknown driver":        "storage:\n  driver: oracle\n",
		"postgres without dsn":  "storage:\n  driver: postgres\n",
		"bad timezone":          "engine:\n  timezone: Mars/Olympus\n",
		"negative interval":     "engine:\n  tick_interval_seconds: -1\n",
		"negative retention":    "engine:\n  log_retention_days: -3\n",
		"bad log level":         "log_level: loud\n",
		"source without dsn":    "sources:\n  sql:\n    - id: a\n      driver: mysql\n",
		"duplicate source":      "sources:\n  sql:\n    - {id: a, driver: mysql, dsn: x}\n    - {id: a, driver: sqlite, dsn: y}\n",
		"unknown source driver": "sources:\n  sql:\n    - {id: a, driver: mssql, dsn: x}\n",
		"smtp without host":     "notification:\n  email:\n    from: a@b.c\n",
		"vault without address": "secrets:\n  vault:\n    token: t\n",
		"bad sample rate":       "observability:\n  tracing:\n    enabled: true\n    sample_rate: 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestDefaults(t *testing.T) {
	var e *EngineConfig
	assert.Equal(t, 30*time.Second, e.TickInterval())
	assert.Equal(t, 3, e.MaxAttempts())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, e.RetryDelays())
	assert.False(t, e.FailFast())
	assert.Zero(t, e.LogRetention())
	loc, err := e.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	var n *NotificationConfig
	assert.Equal(t, 2*time.Minute, n.CredentialCacheTTL())

	var h *HostMetricsConfig
	assert.Equal(t, "/", h.DiskPathOr("/data"))
	assert.Equal(t, "/data", (&HostMetricsConfig{DataDirAsDiskPath: true}).DiskPathOr("/data"))

	cfg := &Config{}
	assert.Equal(t, "INFO", cfg.SlogLevel().String())
}
