// Package config provides configuration management for tradewatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"tradewatch/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Monitor       MonitorConfig      `mapstructure:"monitor"`
	Cache         CacheConfig        `mapstructure:"cache"`
	Evaluation    EvaluationConfig   `mapstructure:"evaluation"`
	Execution     ExecutionConfig    `mapstructure:"execution"`
	Reconcile     ReconcileConfig    `mapstructure:"reconcile"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Broker        BrokerConfig       `mapstructure:"broker"`
}

// MonitorConfig holds monitoring loop configuration.
type MonitorConfig struct {
	// BaseInterval is the cycle period and the floor for every adaptive
	// per-plan interval.
	BaseInterval   time.Duration `mapstructure:"base_interval"`
	HighDistance   float64       `mapstructure:"high_distance"`
	MediumDistance float64       `mapstructure:"medium_distance"`
	RecentActivity time.Duration `mapstructure:"recent_activity"`
	IdleAfter      time.Duration `mapstructure:"idle_after"`
}

// CacheConfig holds price cache configuration.
type CacheConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxSize        int           `mapstructure:"max_size"`
	FetchChunkSize int           `mapstructure:"fetch_chunk_size"`
}

// EvaluationConfig holds parallel evaluation pool configuration.
type EvaluationConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	RoundTimeout     time.Duration `mapstructure:"round_timeout"`
	MinWorkers       int           `mapstructure:"min_workers"`
	MaxWorkers       int           `mapstructure:"max_workers"`
	SnapshotMaxAge   time.Duration `mapstructure:"snapshot_max_age"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// ExecutionConfig holds condition defaults applied at evaluation time.
type ExecutionConfig struct {
	WickRatio          float64 `mapstructure:"wick_ratio"`
	MinValidationScore float64 `mapstructure:"min_validation_score"`
	VolatilityRequire  int     `mapstructure:"volatility_require"`
}

// ReconcileConfig holds pending order reconciliation configuration.
type ReconcileConfig struct {
	MatchTolerance  float64       `mapstructure:"match_tolerance"`
	MatchWindow     time.Duration `mapstructure:"match_window"`
	VolumeTolerance float64       `mapstructure:"volume_tolerance"`
}

// DatabaseConfig holds plan store configuration.
type DatabaseConfig struct {
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// BrokerConfig holds broker gateway configuration.
type BrokerConfig struct {
	Mode string `mapstructure:"mode"` // "paper" only for now
	// StatusAddr, when set, serves /healthz and /metrics.
	StatusAddr string `mapstructure:"status_addr"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradewatch"
	}
	return filepath.Join(home, ".config", "tradewatch")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, fmt.Errorf("creating config template: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("monitor.base_interval", "15s")
	v.SetDefault("monitor.high_distance", 0.01)
	v.SetDefault("monitor.medium_distance", 0.02)
	v.SetDefault("monitor.recent_activity", "10m")
	v.SetDefault("monitor.idle_after", "1h")

	v.SetDefault("cache.ttl", "5s")
	v.SetDefault("cache.max_size", 50)
	v.SetDefault("cache.fetch_chunk_size", 20)

	v.SetDefault("evaluation.batch_size", 15)
	v.SetDefault("evaluation.batch_timeout", "10s")
	v.SetDefault("evaluation.round_timeout", "15s")
	v.SetDefault("evaluation.min_workers", 4)
	v.SetDefault("evaluation.max_workers", 10)
	v.SetDefault("evaluation.snapshot_max_age", "30s")
	v.SetDefault("evaluation.failure_threshold", 3)
	v.SetDefault("evaluation.breaker_cooldown", "5m")

	v.SetDefault("execution.wick_ratio", 2.0)
	v.SetDefault("execution.min_validation_score", 60.0)
	v.SetDefault("execution.volatility_require", 2)

	v.SetDefault("reconcile.match_tolerance", 0.005)
	v.SetDefault("reconcile.match_window", "10m")
	v.SetDefault("reconcile.volume_tolerance", 1e-6)

	v.SetDefault("database.path", filepath.Join(configDir, "tradewatch.db"))
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "tradewatch.log"))
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.console", true)

	v.SetDefault("notifications.enabled", true)

	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.status_addr", "")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADEWATCH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TRADEWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRADEWATCH_BROKER_MODE"); v != "" {
		cfg.Broker.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Monitor.BaseInterval < time.Second {
		return fmt.Errorf("%w: monitor.base_interval must be at least 1s", errors.ErrConfigInvalid)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("%w: cache.max_size must be positive", errors.ErrConfigInvalid)
	}
	if c.Cache.FetchChunkSize <= 0 {
		return fmt.Errorf("%w: cache.fetch_chunk_size must be positive", errors.ErrConfigInvalid)
	}
	if c.Evaluation.BatchSize < 10 || c.Evaluation.BatchSize > 20 {
		return fmt.Errorf("%w: evaluation.batch_size must be between 10 and 20", errors.ErrConfigInvalid)
	}
	if c.Evaluation.MinWorkers <= 0 || c.Evaluation.MaxWorkers < c.Evaluation.MinWorkers {
		return fmt.Errorf("%w: evaluation worker bounds invalid: min=%d max=%d", errors.ErrConfigInvalid,
			c.Evaluation.MinWorkers, c.Evaluation.MaxWorkers)
	}
	if c.Evaluation.BatchTimeout > c.Evaluation.RoundTimeout {
		return fmt.Errorf("%w: evaluation.batch_timeout must not exceed round_timeout", errors.ErrConfigInvalid)
	}
	if c.Execution.WickRatio <= 0 {
		return fmt.Errorf("%w: execution.wick_ratio must be positive", errors.ErrConfigInvalid)
	}
	if c.Reconcile.MatchTolerance < 0 {
		return fmt.Errorf("%w: reconcile.match_tolerance must be non-negative", errors.ErrConfigInvalid)
	}
	if c.Broker.Mode != "paper" {
		return fmt.Errorf("%w: invalid broker mode: %s (only 'paper' is supported)", errors.ErrConfigInvalid, c.Broker.Mode)
	}
	return nil
}
