// Package config loads gateway configuration from file and environment and
// initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig        `yaml:"store" mapstructure:"store"`
	Cache    CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Catalog  CatalogConfig      `yaml:"catalog" mapstructure:"catalog"`
	Executor ExecutorConfig     `yaml:"executor" mapstructure:"executor"`
	Resolver ResolverConfig     `yaml:"resolver" mapstructure:"resolver"`
	Circuit  CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Budgets  map[string]float64 `yaml:"budgets" mapstructure:"budgets"`

	// Providers carries per-provider credentials keyed by catalog id.
	Providers  map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Monitoring MonitoringConfig          `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig              `yaml:"server" mapstructure:"server"`
	Log        LogConfig                 `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the durable cache tier backend.
type StoreConfig struct {
	// Driver is "sqlite" for single-node or "postgres" for a shared
	// multi-process cache.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// CacheConfig tunes the two-tier cache. TTLSecs maps data types to their
// TTLs; freshness policy is configured, never hardcoded.
type CacheConfig struct {
	FastCapacity     int            `yaml:"fast_capacity" mapstructure:"fast_capacity"`
	DefaultTTLSecs   int            `yaml:"default_ttl_secs" mapstructure:"default_ttl_secs"`
	TTLSecs          map[string]int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	RefreshThreshold float64        `yaml:"refresh_threshold" mapstructure:"refresh_threshold"`
	CompressMinBytes int            `yaml:"compress_min_bytes" mapstructure:"compress_min_bytes"`
	RetentionHours   int            `yaml:"retention_hours" mapstructure:"retention_hours"`
	RefreshWorkers   int            `yaml:"refresh_workers" mapstructure:"refresh_workers"`
	RefreshQueueSize int            `yaml:"refresh_queue_size" mapstructure:"refresh_queue_size"`
	AnomalySigma     float64        `yaml:"anomaly_sigma" mapstructure:"anomaly_sigma"`
	HistorySize      int            `yaml:"history_size" mapstructure:"history_size"`
	SweepSpec        string         `yaml:"sweep_spec" mapstructure:"sweep_spec"`
}

// CatalogConfig locates the provider catalog.
type CatalogConfig struct {
	Path  string `yaml:"path" mapstructure:"path"`
	Watch bool   `yaml:"watch" mapstructure:"watch"`
}

// ExecutorConfig tunes the failover executor.
type ExecutorConfig struct {
	ProviderTimeoutSecs int     `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
	RequestTimeoutSecs  int     `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	ReliabilityAlpha    float64 `yaml:"reliability_alpha" mapstructure:"reliability_alpha"`
	ReconcileFactor     float64 `yaml:"reconcile_factor" mapstructure:"reconcile_factor"`
	QualityHalfLifeDays int     `yaml:"quality_half_life_days" mapstructure:"quality_half_life_days"`
}

// ResolverConfig maps data types to reconciliation policies.
type ResolverConfig struct {
	Policies map[string]PolicyConfig `yaml:"policies" mapstructure:"policies"`
}

// PolicyConfig is one data type's reconciliation policy.
type PolicyConfig struct {
	Strategy     string  `yaml:"strategy" mapstructure:"strategy"`
	TolerancePct float64 `yaml:"tolerance_pct" mapstructure:"tolerance_pct"`
}

// ProviderConfig holds one provider's credentials. Endpoints live in the
// catalog, not here.
type ProviderConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// CircuitConfig tunes per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig tunes the background alert checker. Alerts are sent
// only when WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	ReliabilityFloor  float64 `yaml:"reliability_floor" mapstructure:"reliability_floor"`
	BudgetAlertRatio  float64 `yaml:"budget_alert_ratio" mapstructure:"budget_alert_ratio"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from datafeed.yaml (working directory or
// $HOME/.datafeed) and DATAFEED_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("datafeed")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.datafeed")

	// Environment
	v.SetEnvPrefix("DATAFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "datafeed-cache.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("catalog.path", "providers.yaml")
	v.SetDefault("catalog.watch", true)
	v.SetDefault("cache.fast_capacity", 4096)
	v.SetDefault("cache.default_ttl_secs", 900)
	v.SetDefault("cache.ttl_secs", map[string]int{
		"quote":           30,
		"fundamentals":    6 * 3600,
		"options":         300,
		"news":            600,
		"economic_series": 12 * 3600,
		"reference":       72 * 3600,
	})
	v.SetDefault("cache.refresh_threshold", 0.7)
	v.SetDefault("cache.compress_min_bytes", 4096)
	v.SetDefault("cache.retention_hours", 168)
	v.SetDefault("cache.refresh_workers", 4)
	v.SetDefault("cache.refresh_queue_size", 64)
	v.SetDefault("cache.anomaly_sigma", 3.0)
	v.SetDefault("cache.history_size", 32)
	v.SetDefault("cache.sweep_spec", "@hourly")
	v.SetDefault("executor.provider_timeout_secs", 8)
	v.SetDefault("executor.request_timeout_secs", 30)
	v.SetDefault("executor.reliability_alpha", 0.2)
	v.SetDefault("executor.reconcile_factor", 3.0)
	v.SetDefault("executor.quality_half_life_days", 30)
	v.SetDefault("resolver.policies", map[string]any{
		"quote":        map[string]any{"strategy": "use_average", "tolerance_pct": 0.5},
		"fundamentals": map[string]any{"strategy": "use_highest_quality"},
		"reference":    map[string]any{"strategy": "use_primary"},
	})
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.reliability_floor", 0.3)
	v.SetDefault("monitoring.budget_alert_ratio", 0.9)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
