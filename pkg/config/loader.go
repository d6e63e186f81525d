// Configuration loading via viper: YAML file plus TESSERA_* environment
// overrides (e.g. TESSERA_SINK_DSN overrides sink.dsn).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given file path, layered over Default()
// and under environment variable overrides. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TESSERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults must be registered so env-only keys resolve on Unmarshal.
	def := Default()
	v.SetDefault("sink.dsn", def.Sink.DSN)
	v.SetDefault("sink.schema", def.Sink.Schema)
	v.SetDefault("sink.max_conns", def.Sink.MaxConns)
	v.SetDefault("vault.root", def.Vault.Root)
	v.SetDefault("metastore.root", def.Metastore.Root)
	v.SetDefault("sync.batch_size", def.Sync.BatchSize)
	v.SetDefault("sync.fetch_size", def.Sync.FetchSize)
	v.SetDefault("sync.resolutions", def.Sync.Resolutions)
	v.SetDefault("scheduler.tick_interval", def.Scheduler.TickInterval)
	v.SetDefault("scheduler.initial_delay", def.Scheduler.InitialDelay)
	v.SetDefault("scheduler.max_run_duration", def.Scheduler.MaxRunDuration)
	v.SetDefault("scheduler.min_poll_interval", def.Scheduler.MinPollInterval)
	v.SetDefault("stream.delivery_batch_limit", def.Stream.DeliveryBatchLimit)
	v.SetDefault("stream.poll_max_limit", def.Stream.PollMaxLimit)
	v.SetDefault("stream.sse_timeout", def.Stream.SSETimeout)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.development", def.Logging.Development)
	v.SetDefault("logging.encoding", def.Logging.Encoding)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return cfg, nil
}
