// Package config provides the unified configuration for Tessera.
// A single Config structure covers every subsystem, organized into
// logical sections:
//   - Sink: the PostGIS output store
//   - Vault: credential vault location
//   - Metastore: workspace/datastore/layer metadata location
//   - Sync: batching, fetch sizing, and index resolutions
//   - Scheduler: auto-sync tick and overlap guards
//   - Stream: live delivery limits
//   - Server: HTTP/WebSocket listener
//   - Logging: log level and encoding
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Sink.DSN = "postgres://tessera@localhost/tessera"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// Config is the single unified configuration structure for the engine.
type Config struct {
	// Sink is the PostGIS output store configuration.
	Sink SinkConfig `yaml:"sink" mapstructure:"sink"`

	// Vault locates the credential vault.
	Vault VaultConfig `yaml:"vault" mapstructure:"vault"`

	// Metastore locates the workspace/datastore/layer metadata tree.
	Metastore MetastoreConfig `yaml:"metastore" mapstructure:"metastore"`

	// Sync controls the ingestion pipeline.
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Scheduler controls the auto-sync loop.
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`

	// Stream controls live delivery to subscribers.
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`

	// Server configures the HTTP/WebSocket listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// SinkConfig configures the output feature store.
type SinkConfig struct {
	// DSN is the PostgreSQL connection string for the sink.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
	// Schema is the database schema holding the feature tables.
	Schema string `yaml:"schema" mapstructure:"schema"`
	// MaxConns bounds the sink connection pool.
	MaxConns int `yaml:"max_conns" mapstructure:"max_conns"`
}

// VaultConfig locates the credential vault.
type VaultConfig struct {
	// Root is the directory holding vault entries.
	Root string `yaml:"root" mapstructure:"root"`
}

// MetastoreConfig locates the metadata file tree.
type MetastoreConfig struct {
	// Root is the directory holding workspace metadata.
	Root string `yaml:"root" mapstructure:"root"`
}

// SyncConfig controls the ingestion pipeline.
type SyncConfig struct {
	// BatchSize is the number of features written per sink transaction.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	// FetchSize is the source cursor page size.
	FetchSize int `yaml:"fetch_size" mapstructure:"fetch_size"`
	// Resolutions are the hexagonal index resolutions computed per feature.
	Resolutions []int `yaml:"resolutions" mapstructure:"resolutions"`
}

// SchedulerConfig controls the auto-sync loop.
type SchedulerConfig struct {
	// TickInterval is the fixed delay between layer scans.
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	// InitialDelay defers the first scan after startup.
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	// MaxRunDuration bounds a dispatched sync run so a hung stream cannot
	// hold a layer's in-flight marker forever.
	MaxRunDuration time.Duration `yaml:"max_run_duration" mapstructure:"max_run_duration"`
	// MinPollInterval is the floor applied to per-layer poll intervals.
	MinPollInterval time.Duration `yaml:"min_poll_interval" mapstructure:"min_poll_interval"`
}

// StreamConfig controls live delivery.
type StreamConfig struct {
	// DeliveryBatchLimit caps features delivered per subscription per event.
	DeliveryBatchLimit int `yaml:"delivery_batch_limit" mapstructure:"delivery_batch_limit"`
	// PollMaxLimit caps the REST polling page size.
	PollMaxLimit int `yaml:"poll_max_limit" mapstructure:"poll_max_limit"`
	// SSETimeout expires idle SSE connections.
	SSETimeout time.Duration `yaml:"sse_timeout" mapstructure:"sse_timeout"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Development bool   `yaml:"development" mapstructure:"development"`
	Encoding    string `yaml:"encoding" mapstructure:"encoding"`
}

// Default returns a Config with production-ready defaults. The batch size,
// fetch size, index resolutions, and delivery limits match the engine's
// reference deployment.
func Default() *Config {
	return &Config{
		Sink: SinkConfig{
			Schema:   "tessera",
			MaxConns: 10,
		},
		Vault: VaultConfig{
			Root: "data/vault",
		},
		Metastore: MetastoreConfig{
			Root: "data/workspaces",
		},
		Sync: SyncConfig{
			BatchSize:   500,
			FetchSize:   5000,
			Resolutions: []int{7, 9},
		},
		Scheduler: SchedulerConfig{
			TickInterval:    30 * time.Second,
			InitialDelay:    60 * time.Second,
			MaxRunDuration:  30 * time.Minute,
			MinPollInterval: 30 * time.Second,
		},
		Stream: StreamConfig{
			DeliveryBatchLimit: 500,
			PollMaxLimit:       5000,
			SSETimeout:         30 * time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate validates the configuration for correctness. Callers should
// invoke this after loading to catch errors early.
func (c *Config) Validate() error {
	if c.Sink.DSN == "" {
		return fmt.Errorf("sink.dsn is required")
	}
	if c.Sink.Schema == "" {
		return fmt.Errorf("sink.schema is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.FetchSize <= 0 {
		return fmt.Errorf("sync.fetch_size must be positive")
	}
	if len(c.Sync.Resolutions) == 0 {
		return fmt.Errorf("sync.resolutions must not be empty")
	}
	for _, r := range c.Sync.Resolutions {
		if r < 0 || r > 15 {
			return fmt.Errorf("sync.resolutions entries must be in [0,15], got %d", r)
		}
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Stream.DeliveryBatchLimit <= 0 {
		return fmt.Errorf("stream.delivery_batch_limit must be positive")
	}
	return nil
}
