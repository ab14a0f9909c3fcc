package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/metrics-engine/internal/source"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig      `yaml:"store" mapstructure:"store"`
	Source  SourceConfig     `yaml:"source" mapstructure:"source"`
	Collect CollectConfig    `yaml:"collect" mapstructure:"collect"`
	Cache   CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Server  ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitor MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log     LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures where snapshots and the run log live.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourceConfig configures read access to the operational database. Empty
// driver and database_url fall back to the store's.
type SourceConfig struct {
	Driver      string                  `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string                  `yaml:"database_url" mapstructure:"database_url"`
	Tables      map[string]source.Table `yaml:"tables" mapstructure:"tables"`
}

// CollectConfig configures the collection engine and backfill limits.
type CollectConfig struct {
	Timezone        string `yaml:"timezone" mapstructure:"timezone"`
	MaxAgeDays      int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	MaxBackfillDays int    `yaml:"max_backfill_days" mapstructure:"max_backfill_days"`
	CatalogPath     string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// CacheConfig configures the read cache.
type CacheConfig struct {
	Backend    string        `yaml:"backend" mapstructure:"backend"`
	TTL        time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxEntries int           `yaml:"max_entries" mapstructure:"max_entries"`
	RedisURL   string        `yaml:"redis_url" mapstructure:"redis_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	TriggerRPS     float64  `yaml:"trigger_rps" mapstructure:"trigger_rps"`
	TriggerBurst   int      `yaml:"trigger_burst" mapstructure:"trigger_burst"`
}

// MonitoringConfig configures collection health alert thresholds.
type MonitoringConfig struct {
	LookbackDays         int           `yaml:"lookback_days" mapstructure:"lookback_days"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckAfter           time.Duration `yaml:"stuck_after" mapstructure:"stuck_after"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("METRICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("source.driver", "")
	v.SetDefault("source.database_url", "")
	v.SetDefault("collect.timezone", "UTC")
	v.SetDefault("collect.max_age_days", 0)
	v.SetDefault("collect.max_backfill_days", 366)
	v.SetDefault("collect.catalog_path", "")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.trigger_rps", 1.0)
	v.SetDefault("server.trigger_burst", 2)
	v.SetDefault("monitoring.lookback_days", 7)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.stuck_after", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		problems = append(problems, "store.driver must be postgres or sqlite, got "+quote(c.Store.Driver))
	}

	switch c.SourceDriver() {
	case "postgres", "sqlite":
	default:
		problems = append(problems, "source.driver must be postgres or sqlite, got "+quote(c.Source.Driver))
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			problems = append(problems, "cache.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, "cache.backend must be memory or redis, got "+quote(c.Cache.Backend))
	}

	if _, err := c.Collect.Location(); err != nil {
		problems = append(problems, "collect.timezone: "+err.Error())
	}
	if c.Collect.MaxAgeDays < 0 {
		problems = append(problems, "collect.max_age_days must not be negative")
	}
	if c.Collect.MaxBackfillDays <= 0 {
		problems = append(problems, "collect.max_backfill_days must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.Server.TriggerRPS < 0 {
		problems = append(problems, "server.trigger_rps must not be negative")
	}
	if c.Monitor.FailureRateThreshold < 0 || c.Monitor.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SourceDriver returns the source driver, defaulting to the store's.
func (c *Config) SourceDriver() string {
	if c.Source.Driver != "" {
		return c.Source.Driver
	}
	return c.Store.Driver
}

// SourceURL returns the source database URL, defaulting to the store's.
func (c *Config) SourceURL() string {
	if c.Source.DatabaseURL != "" {
		return c.Source.DatabaseURL
	}
	return c.Store.DatabaseURL
}

// Location resolves the configured timezone. Empty means UTC.
func (c CollectConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %s", c.Timezone)
	}
	return loc, nil
}

func quote(s string) string {
	return `"` + s + `"`
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
