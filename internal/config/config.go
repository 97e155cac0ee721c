// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN the notification store connects to.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the topic carrying feed events (default soundstream-events).
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the notification worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// WorkerBatchSize is the max number of feed events accumulated before a flush (default 500).
	WorkerBatchSize int `mapstructure:"WORKER_BATCH_SIZE"`
	// WorkerFlushInterval flushes a partial batch after this duration (e.g. "2s").
	WorkerFlushInterval string `mapstructure:"WORKER_FLUSH_INTERVAL"`
	// InsertBatchSize is the row count per bulk INSERT statement (default 2000).
	InsertBatchSize int `mapstructure:"INSERT_BATCH_SIZE"`
	// LookupBatchSize is the recipient count per merge-lookup query (default 10000).
	LookupBatchSize int `mapstructure:"LOOKUP_BATCH_SIZE"`
	// MaxFanoutWarn logs a warning when a single event fans out to more recipients than this (0 disables).
	MaxFanoutWarn int `mapstructure:"MAX_FANOUT_WARN"`

	// OTELExporterOTLPEndpoint enables OTLP trace/metric export when set (e.g. http://localhost:4317).
	OTELExporterOTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "soundstream-events")
	v.SetDefault("KAFKA_GROUP_ID", "soundstream-notifier")
	v.SetDefault("WORKER_BATCH_SIZE", 500)
	v.SetDefault("WORKER_FLUSH_INTERVAL", "2s")
	v.SetDefault("INSERT_BATCH_SIZE", 2000)
	v.SetDefault("LOOKUP_BATCH_SIZE", 10000)
	v.SetDefault("MAX_FANOUT_WARN", 100000)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.EventsKafkaTopic == "" {
		return nil, errors.New("config: EVENTS_KAFKA_TOPIC must be set")
	}
	if cfg.WorkerBatchSize <= 0 {
		return nil, errors.New("config: WORKER_BATCH_SIZE must be positive")
	}
	if cfg.InsertBatchSize <= 0 || cfg.LookupBatchSize <= 0 {
		return nil, errors.New("config: INSERT_BATCH_SIZE and LOOKUP_BATCH_SIZE must be positive")
	}

	return &cfg, nil
}

// FlushInterval parses WorkerFlushInterval as a time.Duration. Returns 2s if unset or invalid.
func (c *Config) FlushInterval() time.Duration {
	d, err := time.ParseDuration(c.WorkerFlushInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list means the worker has no feed to consume and should refuse to start.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
