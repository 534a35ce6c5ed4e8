package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 25, cfg.Sync.MaxTickersPerRequest)
	assert.Equal(t, 300, cfg.Sync.RunTimeoutSecs)
	assert.Equal(t, 3, cfg.Sync.MaxWriteRetries)
	assert.False(t, cfg.Discrepancy.AutoResolve)
	assert.Equal(t, 168, cfg.Discrepancy.ReliabilityLookbackHours)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Empty(t, cfg.Adapters)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	yaml := `
store:
  driver: sqlite
  database_url: factsync.db
log:
  level: debug
  format: console
server:
  port: 9090
sync:
  max_tickers_per_request: 10
orchestrator:
  fallback_adapter: backup
adapters:
  - id: yahoo
    type: httpjson
    url: http://localhost:9000/yahoo/{ticker}
    max_concurrency: 4
    rate_per_sec: 2.5
    burst: 5
    timeout_ms: 1500
    retry:
      attempts: 3
      strategy: fixed
      initial_ms: 200
    cost_per_call_usd: 0.001
  - id: backup
    type: httpjson
    url: http://localhost:9000/backup/{ticker}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Sync.MaxTickersPerRequest)
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.Sync.Workers)

	require.Len(t, cfg.Adapters, 2)
	y := cfg.Adapters[0]
	assert.Equal(t, "yahoo", y.ID)
	assert.Equal(t, 4, y.MaxConcurrency)
	assert.InDelta(t, 2.5, y.RatePerSec, 0.001)
	assert.Equal(t, 1500, y.TimeoutMs)
	assert.Equal(t, "fixed", y.Retry.Strategy)
	assert.Equal(t, []string{"yahoo", "backup"}, cfg.AdapterIDs())
	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FACTSYNC_STORE_DRIVER", "postgres")
	t.Setenv("FACTSYNC_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("FACTSYNC_SERVER_PORT", "3000")
	t.Setenv("FACTSYNC_SYNC_MAX_TICKERS_PER_REQUEST", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Sync.MaxTickersPerRequest)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "factsync.db"
	cfg.Server.Port = 8080
	cfg.Sync.Workers = 4
	cfg.Sync.MaxTickersPerRequest = 25
	cfg.Sync.MaxWriteRetries = 3
	cfg.Adapters = []AdapterConfig{{ID: "yahoo", Type: "httpjson"}}
	return cfg
}

func TestValidateServe_Valid(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidate_MissingStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("admin")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	assert.NoError(t, cfg.Validate("sync"), "port is irrelevant for foreground sync")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateSyncBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Sync.MaxTickersPerRequest = 0
	err := cfg.Validate("sync")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_tickers_per_request must be between 1 and 1000")

	cfg.Sync.MaxTickersPerRequest = 25
	cfg.Sync.Workers = 0
	err = cfg.Validate("sync")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sync.workers")
}

func TestValidateAdapters(t *testing.T) {
	cfg := validDefaults()
	cfg.Adapters = append(cfg.Adapters,
		AdapterConfig{ID: "yahoo"},
		AdapterConfig{ID: "stooq", Retry: RetryPolicy{Strategy: "linear"}},
		AdapterConfig{},
		AdapterConfig{ID: "ftp", Type: "ftp"},
	)
	cfg.Orchestrator.FallbackAdapter = "ghost"

	err := cfg.Validate("sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"yahoo" is duplicated`)
	assert.Contains(t, err.Error(), "retry.strategy must be fixed or exponential")
	assert.Contains(t, err.Error(), "adapters[3].id is required")
	assert.Contains(t, err.Error(), "adapters.ftp.type must be httpjson or csv")
	assert.Contains(t, err.Error(), `fallback_adapter "ghost"`)

	cfg.Adapters = nil
	cfg.Orchestrator.FallbackAdapter = ""
	err = cfg.Validate("sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one adapter is required")
	assert.NoError(t, cfg.Validate("admin"))
}
