package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Sync         SyncConfig         `yaml:"sync" mapstructure:"sync"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Discrepancy  DiscrepancyConfig  `yaml:"discrepancy" mapstructure:"discrepancy"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Adapters     []AdapterConfig    `yaml:"adapters" mapstructure:"adapters"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SyncConfig bounds sync requests and canonical record writes.
type SyncConfig struct {
	Workers              int `yaml:"workers" mapstructure:"workers"`
	MaxTickersPerRequest int `yaml:"max_tickers_per_request" mapstructure:"max_tickers_per_request"`
	RunTimeoutSecs       int `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
	MaxWriteRetries      int `yaml:"max_write_retries" mapstructure:"max_write_retries"`
	StaleRunMinutes      int `yaml:"stale_run_minutes" mapstructure:"stale_run_minutes"`
}

// OrchestratorConfig configures adapter fan-out.
type OrchestratorConfig struct {
	// FallbackAdapter is used when a profile enables fallback without
	// naming an adapter.
	FallbackAdapter string `yaml:"fallback_adapter" mapstructure:"fallback_adapter"`
}

// DiscrepancyConfig configures automatic resolution.
type DiscrepancyConfig struct {
	AutoResolve              bool `yaml:"auto_resolve" mapstructure:"auto_resolve"`
	ReliabilityLookbackHours int  `yaml:"reliability_lookback_hours" mapstructure:"reliability_lookback_hours"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled                     bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL                  string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs           int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours         int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold        float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	AdapterFailureRateThreshold float64 `yaml:"adapter_failure_rate_threshold" mapstructure:"adapter_failure_rate_threshold"`
	OpenDiscrepancyThreshold    int     `yaml:"open_discrepancy_threshold" mapstructure:"open_discrepancy_threshold"`
}

// AdapterConfig declares one source adapter and its resource limits.
type AdapterConfig struct {
	ID             string            `yaml:"id" mapstructure:"id"`
	Type           string            `yaml:"type" mapstructure:"type"`
	URL            string            `yaml:"url" mapstructure:"url"`
	Kind           string            `yaml:"kind" mapstructure:"kind"`
	Headers        map[string]string `yaml:"headers" mapstructure:"headers"`
	MaxConcurrency int               `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	RatePerSec     float64           `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst          int               `yaml:"burst" mapstructure:"burst"`
	TimeoutMs      int               `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	Retry          RetryPolicy       `yaml:"retry" mapstructure:"retry"`
	CostPerCallUSD float64           `yaml:"cost_per_call_usd" mapstructure:"cost_per_call_usd"`
	EstLatencyMs   int               `yaml:"est_latency_ms" mapstructure:"est_latency_ms"`
}

// RetryPolicy is the per-adapter retry declaration.
type RetryPolicy struct {
	Attempts  int     `yaml:"attempts" mapstructure:"attempts"`
	Strategy  string  `yaml:"strategy" mapstructure:"strategy"`
	InitialMs int     `yaml:"initial_ms" mapstructure:"initial_ms"`
	MaxMs     int     `yaml:"max_ms" mapstructure:"max_ms"`
	Jitter    float64 `yaml:"jitter" mapstructure:"jitter"`
}

// AdapterIDs returns the configured adapter ids in declaration order.
func (c *Config) AdapterIDs() []string {
	ids := make([]string, 0, len(c.Adapters))
	for _, a := range c.Adapters {
		ids = append(ids, a.ID)
	}
	return ids
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FACTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.max_tickers_per_request", 25)
	v.SetDefault("sync.run_timeout_secs", 300)
	v.SetDefault("sync.max_write_retries", 3)
	v.SetDefault("sync.stale_run_minutes", 60)
	v.SetDefault("discrepancy.auto_resolve", false)
	v.SetDefault("discrepancy.reliability_lookback_hours", 168)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.adapter_failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.open_discrepancy_threshold", 100)

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

// Validate checks the configuration for the given command mode: serve,
// sync or admin.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateSync()...)
		errs = append(errs, c.validateAdapters()...)
	case "sync":
		errs = append(errs, c.validateSync()...)
		errs = append(errs, c.validateAdapters()...)
	case "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSync() []string {
	var errs []string
	if c.Sync.Workers < 1 || c.Sync.Workers > 64 {
		errs = append(errs, "sync.workers must be between 1 and 64")
	}
	if c.Sync.MaxTickersPerRequest < 1 || c.Sync.MaxTickersPerRequest > 1000 {
		errs = append(errs, "sync.max_tickers_per_request must be between 1 and 1000")
	}
	if c.Sync.MaxWriteRetries < 1 {
		errs = append(errs, "sync.max_write_retries must be >= 1")
	}
	return errs
}

func (c *Config) validateAdapters() []string {
	var errs []string
	if len(c.Adapters) == 0 {
		errs = append(errs, "at least one adapter is required")
	}
	seen := make(map[string]bool)
	for i, a := range c.Adapters {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("adapters[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("adapters[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		switch a.Type {
		case "", "httpjson", "csv":
		default:
			errs = append(errs, fmt.Sprintf("adapters.%s.type must be httpjson or csv", a.ID))
		}
		if a.MaxConcurrency < 0 {
			errs = append(errs, fmt.Sprintf("adapters.%s.max_concurrency must be >= 0", a.ID))
		}
		switch a.Retry.Strategy {
		case "", "fixed", "exponential":
		default:
			errs = append(errs, fmt.Sprintf("adapters.%s.retry.strategy must be fixed or exponential", a.ID))
		}
	}
	if fb := c.Orchestrator.FallbackAdapter; fb != "" && !seen[fb] {
		errs = append(errs, fmt.Sprintf("orchestrator.fallback_adapter %q is not a configured adapter", fb))
	}
	return errs
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
