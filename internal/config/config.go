// Package config holds the layered configuration for the optimization
// layer: cache, pool, metrics, optimizer, logging and monitoring tuning,
// loaded from YAML with sane defaults for every omitted field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kyotosystems/quell/internal/cache"
	"github.com/kyotosystems/quell/internal/dbopen"
	"github.com/kyotosystems/quell/internal/metrics"
	"github.com/kyotosystems/quell/internal/pool"
	"github.com/kyotosystems/quell/internal/qerrors"
)

// Config is the root configuration
type Config struct {
	Database   dbopen.SQLConfig        `yaml:"database"`
	Cache      cache.ResultCacheConfig `yaml:"cache"`
	Pool       pool.Config             `yaml:"pool"`
	Metrics    metrics.Config          `yaml:"metrics"`
	Optimizer  OptimizerConfig         `yaml:"optimizer"`
	Log        LogConfig               `yaml:"log"`
	Monitoring MonitoringConfig        `yaml:"monitoring"`
}

// OptimizerConfig tunes orchestration behavior
type OptimizerConfig struct {
	// CacheEnabled turns result caching off entirely when false
	CacheEnabled bool `yaml:"cache_enabled"`
	// SingleFlight collapses concurrent misses on one key into a single
	// database call. When disabled, concurrent misses may each reach the
	// database (cache stampede).
	SingleFlight bool `yaml:"single_flight"`
	// CleanupInterval drives the background sweep of expired cache entries
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LogConfig tunes the zap logger
type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // console or json
}

// MonitoringConfig tunes the prometheus/report HTTP surface
type MonitoringConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a fully populated baseline configuration
func Default() Config {
	return Config{
		Database: dbopen.DefaultSQLConfig(),
		Cache:    cache.DefaultResultCacheConfig(),
		Pool:     pool.DefaultConfig(),
		Metrics:  metrics.DefaultConfig(),
		Optimizer: OptimizerConfig{
			CacheEnabled:    true,
			SingleFlight:    true,
			CleanupInterval: time.Minute,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
		Monitoring: MonitoringConfig{
			Enabled:    false,
			ListenAddr: ":9187",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path is not an
// error: the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, qerrors.Wrap(qerrors.TypeConfig, "read config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, qerrors.Wrap(qerrors.TypeConfig, "parse config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.Pool.MaxSize <= 0 {
		return qerrors.New(qerrors.TypeConfig, "pool.max_size must be positive")
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return qerrors.Newf(qerrors.TypeConfig,
			"pool.min_size %d exceeds pool.max_size %d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Cache.MaxEntries <= 0 {
		return qerrors.New(qerrors.TypeConfig, "cache.max_entries must be positive")
	}
	if c.Cache.TTL <= 0 {
		return qerrors.New(qerrors.TypeConfig, "cache.ttl must be positive")
	}
	if c.Metrics.RetainedSamples <= 0 {
		return qerrors.New(qerrors.TypeConfig, "metrics.retained_samples must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return qerrors.Newf(qerrors.TypeConfig, "unknown log level %q", c.Log.Level)
	}
	return nil
}

// Save writes the configuration as YAML, used by the CLI's init flow
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return qerrors.Wrap(qerrors.TypeConfig, "marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return qerrors.Wrap(qerrors.TypeConfig, "write config file", err)
	}
	return nil
}

// String renders a short human summary for startup logging
func (c *Config) String() string {
	return fmt.Sprintf("driver=%s cache{ttl=%s max=%d} pool{%d..%d} slow_threshold=%s",
		c.Database.Driver, c.Cache.TTL, c.Cache.MaxEntries,
		c.Pool.MinSize, c.Pool.MaxSize, c.Metrics.SlowQueryThreshold)
}
