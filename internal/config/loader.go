package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VEXFS_SYNC_NODE_NODE_ID
const EnvPrefix = "VEXFS_SYNC"

// Load loads configuration from file and environment variables. The file is
// optional and parsed by LoadConfig; environment variables are applied on top
// of it.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = LoadConfig(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// bindEnv registers the scalar keys so AutomaticEnv overrides reach Unmarshal
// even when the file does not mention them
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"node.node_id",
		"node.shutdown_timeout",
		"sync.max_pending_events",
		"sync.sync_attempts",
		"sync.coordination_timeout",
		"sync.replication_factor",
		"sync.preferred_protocol",
		"sync.maintenance_interval",
		"sync.protocol_workers",
		"sync.network_budget",
		"ordering.buffer_size",
		"batch.strategy",
		"batch.batch_size",
		"batch.flush_interval",
		"batch.compression",
		"batch.send_rate",
		"adaptive.enabled",
		"adaptive.interval",
		"gossip.enabled",
		"gossip.bind_addr",
		"gossip.bind_port",
		"gossip.seed_nodes",
		"metrics.enabled",
		"metrics.port",
		"logging.level",
		"logging.format",
	} {
		_ = v.BindEnv(key)
	}
}
