package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is shared by the agent, ingestor and event-processor binaries; each
// reads only the sections it needs.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Queue      QueueConfig      `yaml:"queue"`
	Retry      RetryConfig      `yaml:"retry"`
	Sync       SyncConfig       `yaml:"sync"`
	Server     ServerConfig     `yaml:"server"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Batch      BatchConfig      `yaml:"batch"`
}

type AgentConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	StartOnline     bool          `yaml:"start_online"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncedRetention time.Duration `yaml:"synced_retention"`
}

type QueueConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxRetries int    `yaml:"max_retries"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	JitterFraction float64       `yaml:"jitter_fraction"`
}

type SyncConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	BatchSize      int           `yaml:"batch_size"`
	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ServerConfig struct {
	GRPCPort int `yaml:"grpc_port"`
	HTTPPort int `yaml:"http_port"`
}

type KafkaConfig struct {
	Brokers       []string          `yaml:"brokers"`
	Topics        map[string]string `yaml:"topics"`
	ConsumerGroup string            `yaml:"consumer_group"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

type DedupeConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type ClickHouseConfig struct {
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Seeded before decoding so an explicit max_retries: 0 survives
	cfg := Config{Retry: RetryConfig{MaxRetries: DefaultMaxRetries}}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// DefaultMaxRetries applies when retry.max_retries is absent from the file.
// An explicit 0 sends each record once.
const DefaultMaxRetries = 5

// ApplyDefaults fills every zero setting with its default value.
// retry.max_retries is not touched since zero is meaningful there.
func (cfg *Config) ApplyDefaults() {
	if cfg.Agent.HTTPAddr == "" {
		cfg.Agent.HTTPAddr = "127.0.0.1:8787"
	}
	if cfg.Agent.CleanupInterval == 0 {
		cfg.Agent.CleanupInterval = time.Hour
	}
	if cfg.Agent.SyncedRetention == 0 {
		cfg.Agent.SyncedRetention = 24 * time.Hour
	}

	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "data/eventsync.db"
	}
	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = 1000
	}

	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Retry.JitterFraction == 0 {
		cfg.Retry.JitterFraction = 0.3
	}
	// The queue dead-letters at the same bound the retry policy gives up at
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = cfg.Retry.MaxRetries
	}

	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = 50
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 30 * time.Second
	}
	if cfg.Sync.RequestTimeout == 0 {
		cfg.Sync.RequestTimeout = 15 * time.Second
	}

	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.Dedupe.TTL == 0 {
		cfg.Dedupe.TTL = 24 * time.Hour
	}

	if cfg.Batch.Size == 0 {
		cfg.Batch.Size = 1000
	}
	if cfg.Batch.FlushInterval == 0 {
		cfg.Batch.FlushInterval = 5 * time.Second
	}
	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}
	if cfg.ClickHouse.MaxIdleConns == 0 {
		cfg.ClickHouse.MaxIdleConns = 5
	}
}
