// Package config loads the engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sandboxws/isotope/query/pkg/query"
)

// Transport kinds.
const (
	TransportHub   = "hub"
	TransportKafka = "kafka"
)

// Config holds all engine configuration.
type Config struct {
	Engine   EngineConfig
	Logging  LogConfig
	Metrics  MetricsConfig
	Exchange ExchangeConfig
	Cluster  ClusterConfig
	Shutdown ShutdownConfig
}

// EngineConfig holds the per-query execution knobs.
type EngineConfig struct {
	Workers           int           `envconfig:"ISOTOPE_WORKERS" default:"0"`
	MaxAsync          int           `envconfig:"ISOTOPE_MAX_ASYNC" default:"0"`
	MaxThreads        int           `envconfig:"ISOTOPE_MAX_THREADS" default:"0"`
	BatchRows         int           `envconfig:"ISOTOPE_BATCH_ROWS" default:"8192"`
	DistributedCopy   bool          `envconfig:"ISOTOPE_DISTRIBUTED_COPY" default:"true"`
	QueryTimeout      time.Duration `envconfig:"ISOTOPE_QUERY_TIMEOUT" default:"0"`
	SQLMemoryLimitMiB int64         `envconfig:"ISOTOPE_SQL_MEMORY_LIMIT_MIB" default:"256"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds the Prometheus listener. An empty address disables it.
type MetricsConfig struct {
	Address string `envconfig:"METRICS_ADDR" default:""`
}

// ExchangeConfig selects the transport exchanges use between nodes.
type ExchangeConfig struct {
	Transport    string   `envconfig:"EXCHANGE_TRANSPORT" default:"hub"`
	HubCapacity  int      `envconfig:"EXCHANGE_HUB_CAPACITY" default:"16"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	TopicPrefix  string   `envconfig:"KAFKA_TOPIC_PREFIX" default:"isotope-exchange"`
}

// ClusterConfig sizes the simulated cluster.
type ClusterConfig struct {
	Nodes int `envconfig:"CLUSTER_NODES" default:"3"`
}

// ShutdownConfig bounds how long a signalled process drains.
type ShutdownConfig struct {
	Timeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BatchRows:         8192,
			DistributedCopy:   true,
			SQLMemoryLimitMiB: 256,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Exchange: ExchangeConfig{
			Transport:    TransportHub,
			HubCapacity:  16,
			KafkaBrokers: []string{"localhost:9092"},
			TopicPrefix:  "isotope-exchange",
		},
		Cluster: ClusterConfig{
			Nodes: 3,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Exchange.Transport {
	case TransportHub, TransportKafka:
	default:
		return fmt.Errorf("invalid config: unknown exchange transport %q", c.Exchange.Transport)
	}
	if c.Cluster.Nodes < 1 {
		return fmt.Errorf("invalid config: cluster needs at least one node, got %d", c.Cluster.Nodes)
	}
	if c.Engine.BatchRows < 1 {
		return fmt.Errorf("invalid config: batch rows must be positive, got %d", c.Engine.BatchRows)
	}
	return nil
}

// Settings derives query settings. Zero sizes keep the machine defaults.
func (c *Config) Settings() query.Settings {
	s := query.DefaultSettings()
	if c.Engine.Workers > 0 {
		s.Workers = c.Engine.Workers
	}
	if c.Engine.MaxAsync > 0 {
		s.MaxAsync = c.Engine.MaxAsync
	}
	if c.Engine.MaxThreads > 0 {
		s.MaxThreads = c.Engine.MaxThreads
	}
	s.BatchRows = c.Engine.BatchRows
	s.EnableDistributedCopy = c.Engine.DistributedCopy
	return s
}
