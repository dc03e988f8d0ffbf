package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "datafeed-cache.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "providers.yaml", cfg.Catalog.Path)
	assert.True(t, cfg.Catalog.Watch)

	assert.Equal(t, 4096, cfg.Cache.FastCapacity)
	assert.Equal(t, 900, cfg.Cache.DefaultTTLSecs)
	assert.Equal(t, 30, cfg.Cache.TTLSecs["quote"])
	assert.Equal(t, 6*3600, cfg.Cache.TTLSecs["fundamentals"])
	assert.Equal(t, 72*3600, cfg.Cache.TTLSecs["reference"])
	assert.InDelta(t, 0.7, cfg.Cache.RefreshThreshold, 0.001)
	assert.Equal(t, 168, cfg.Cache.RetentionHours)
	assert.Equal(t, "@hourly", cfg.Cache.SweepSpec)

	assert.Equal(t, 8, cfg.Executor.ProviderTimeoutSecs)
	assert.Equal(t, 30, cfg.Executor.RequestTimeoutSecs)
	assert.InDelta(t, 0.2, cfg.Executor.ReliabilityAlpha, 0.001)
	assert.InDelta(t, 3.0, cfg.Executor.ReconcileFactor, 0.001)
	assert.Equal(t, 30, cfg.Executor.QualityHalfLifeDays)

	assert.Equal(t, "use_average", cfg.Resolver.Policies["quote"].Strategy)
	assert.InDelta(t, 0.5, cfg.Resolver.Policies["quote"].TolerancePct, 0.001)
	assert.Equal(t, "use_highest_quality", cfg.Resolver.Policies["fundamentals"].Strategy)

	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 30, cfg.Circuit.ResetTimeoutSecs)

	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.InDelta(t, 0.3, cfg.Monitoring.ReliabilityFloor, 0.001)
	assert.InDelta(t, 0.9, cfg.Monitoring.BudgetAlertRatio, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/datafeed
cache:
  fast_capacity: 128
  ttl_secs:
    quote: 5
catalog:
  path: /etc/datafeed/providers.yaml
  watch: false
budgets:
  premium-lookup: 25.5
providers:
  premium-lookup:
    api_key: sk-test
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "datafeed.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/datafeed", cfg.Store.DatabaseURL)
	assert.Equal(t, 128, cfg.Cache.FastCapacity)
	assert.Equal(t, 5, cfg.Cache.TTLSecs["quote"])
	assert.Equal(t, "/etc/datafeed/providers.yaml", cfg.Catalog.Path)
	assert.False(t, cfg.Catalog.Watch)
	assert.InDelta(t, 25.5, cfg.Budgets["premium-lookup"], 0.001)
	assert.Equal(t, "sk-test", cfg.Providers["premium-lookup"].APIKey)
	assert.Equal(t, 9090, cfg.Server.Port)

	// Defaults still apply to everything the file omits.
	assert.Equal(t, 900, cfg.Cache.DefaultTTLSecs)
}

func TestLoadFromEnv(t *testing.T) {
	chTempDir(t)

	t.Setenv("DATAFEED_STORE_DRIVER", "postgres")
	t.Setenv("DATAFEED_LOG_LEVEL", "debug")
	t.Setenv("DATAFEED_SERVER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))

	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
