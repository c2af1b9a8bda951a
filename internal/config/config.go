package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig      `mapstructure:"log"`
	HTTP       HTTPConfig     `mapstructure:"http"`
	MySQL      DatabaseConfig `mapstructure:"mysql"`
	ClickHouse DatabaseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
	Consumer   ConsumerConfig `mapstructure:"consumer"`
	Retry      RetryConfig    `mapstructure:"retry"`
	Ingest     IngestConfig   `mapstructure:"ingest"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	DLQTopic       string        `mapstructure:"dlq_topic"`
	GroupID        string        `mapstructure:"group_id"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	FetchMaxWait   time.Duration `mapstructure:"fetch_max_wait"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// ConsumerConfig tunes the worker loop. HealthAddr serves the
// liveness/metrics endpoint next to the consumer.
type ConsumerConfig struct {
	HealthAddr        string        `mapstructure:"health_addr"`
	StoreTimeout      time.Duration `mapstructure:"store_timeout"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	AnalyticsBatch    int           `mapstructure:"analytics_batch"`
	AnalyticsWait     time.Duration `mapstructure:"analytics_wait"`
	PartitionChanSize int           `mapstructure:"partition_chan_size"`
}

// RetryConfig drives the transient-failure backoff.
// MaxAttempts == 0 means retry forever (stall the partition, never skip).
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type IngestConfig struct {
	AcceptCacheTTL time.Duration `mapstructure:"accept_cache_ttl"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (ORDERFLOW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (ORDERFLOW_*)
	v.SetEnvPrefix("ORDERFLOW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
