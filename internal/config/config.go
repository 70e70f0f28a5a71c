package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Binlog    BinlogConfig    `mapstructure:"binlog"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type StorageConfig struct {
	Type           string `mapstructure:"type"` // mysql, postgres or sqlite
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	FilePath       string `mapstructure:"file_path"` // For SQLite
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	ConnectRetries int    `mapstructure:"connect_retries"`
}

type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	EventsChannel string `mapstructure:"events_channel"`
}

// BinlogConfig points the catalog listener at the MySQL server that owns the
// shared products table.
type BinlogConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
	Database            string `mapstructure:"database"`
	ProductsTable       string `mapstructure:"products_table"`
	ServerID            uint32 `mapstructure:"server_id"`
	Cooldown            string `mapstructure:"cooldown"`
}

type SyncConfig struct {
	Workers          int     `mapstructure:"workers"`
	QueueSize        int     `mapstructure:"queue_size"`
	PageSize         int     `mapstructure:"page_size"`
	RunTimeout       string  `mapstructure:"run_timeout"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	RetryBaseDelay   string  `mapstructure:"retry_base_delay"`
	DedupThreshold   float64 `mapstructure:"dedup_threshold"`
	SimilarThreshold float64 `mapstructure:"similar_threshold"`
	CandidateLimit   int     `mapstructure:"candidate_limit"`
	RateLimit        float64 `mapstructure:"rate_limit"` // requests per second per adapter
	RateBurst        int     `mapstructure:"rate_burst"`
	RequestTimeout   string  `mapstructure:"request_timeout"`
}

type SchedulerConfig struct {
	Enabled                  bool   `mapstructure:"enabled"`
	Interval                 string `mapstructure:"interval"`
	RetentionSchedule        string `mapstructure:"retention_schedule"`
	ObservationRetentionDays int    `mapstructure:"observation_retention_days"`
	RunRetentionDays         int    `mapstructure:"run_retention_days"`
}

type PricingConfig struct {
	AnomalyWindowDays int                `mapstructure:"anomaly_window_days"`
	StorePenalties    map[string]float64 `mapstructure:"store_penalties"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

func (s SyncConfig) GetRunTimeout() time.Duration {
	d, _ := time.ParseDuration(s.RunTimeout)
	return d
}

func (s SyncConfig) GetRetryBaseDelay() time.Duration {
	d, _ := time.ParseDuration(s.RetryBaseDelay)
	return d
}

func (s SyncConfig) GetRequestTimeout() time.Duration {
	d, _ := time.ParseDuration(s.RequestTimeout)
	return d
}

func (b BinlogConfig) GetCooldown() time.Duration {
	d, _ := time.ParseDuration(b.Cooldown)
	return d
}

// LoadConfig reads path (if it exists), applies CATSYNC_* environment
// overrides on top of the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 3306)
	v.SetDefault("storage.user", "")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.database", "catalog_sync")
	v.SetDefault("storage.file_path", "catalog-sync.db")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.connect_retries", 30)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "catsync:")
	v.SetDefault("redis.events_channel", "catalog.events")

	v.SetDefault("binlog.enabled", false)
	v.SetDefault("binlog.host", "localhost")
	v.SetDefault("binlog.port", 3306)
	v.SetDefault("binlog.replication_user", "")
	v.SetDefault("binlog.replication_password", "")
	v.SetDefault("binlog.database", "catalog")
	v.SetDefault("binlog.products_table", "products")
	v.SetDefault("binlog.server_id", 1001)
	v.SetDefault("binlog.cooldown", "5m")

	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.queue_size", 256)
	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.run_timeout", "30m")
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.retry_base_delay", "1m")
	v.SetDefault("sync.dedup_threshold", 0.8)
	v.SetDefault("sync.similar_threshold", 0.7)
	v.SetDefault("sync.candidate_limit", 200)
	v.SetDefault("sync.rate_limit", 2.0)
	v.SetDefault("sync.rate_burst", 4)
	v.SetDefault("sync.request_timeout", "30s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 5m")
	v.SetDefault("scheduler.retention_schedule", "@daily")
	v.SetDefault("scheduler.observation_retention_days", 90)
	v.SetDefault("scheduler.run_retention_days", 30)

	v.SetDefault("pricing.anomaly_window_days", 7)
	v.SetDefault("pricing.store_penalties", map[string]float64{})

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unknown storage type %q", ErrInvalidConfig, c.Storage.Type)
	}
	if c.Storage.Type == "sqlite" && c.Storage.FilePath == "" {
		return fmt.Errorf("%w: storage.file_path is required for sqlite", ErrInvalidConfig)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("%w: sync.workers must be positive", ErrInvalidConfig)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("%w: sync.page_size must be positive", ErrInvalidConfig)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("%w: sync.max_attempts must be positive", ErrInvalidConfig)
	}
	for name, th := range map[string]float64{
		"sync.dedup_threshold":   c.Sync.DedupThreshold,
		"sync.similar_threshold": c.Sync.SimilarThreshold,
	} {
		if th <= 0 || th > 1 {
			return fmt.Errorf("%w: %s must be in (0,1]", ErrInvalidConfig, name)
		}
	}
	for name, d := range map[string]string{
		"sync.run_timeout":      c.Sync.RunTimeout,
		"sync.retry_base_delay": c.Sync.RetryBaseDelay,
		"sync.request_timeout":  c.Sync.RequestTimeout,
		"binlog.cooldown":       c.Binlog.Cooldown,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

var ErrInvalidConfig = errors.New("config: invalid configuration")
