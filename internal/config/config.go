package config

import (
	"fmt"
	"os"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/conflict"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for a synchronization node
type Config struct {
	Node     NodeConfig     `yaml:"node" mapstructure:"node"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	Ordering OrderingConfig `yaml:"ordering" mapstructure:"ordering"`
	Conflict ConflictConfig `yaml:"conflict" mapstructure:"conflict"`
	Batch    BatchConfig    `yaml:"batch" mapstructure:"batch"`
	Adaptive AdaptiveConfig `yaml:"adaptive" mapstructure:"adaptive"`
	Gossip   GossipConfig   `yaml:"gossip" mapstructure:"gossip"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// NodeConfig identifies the local node
type NodeConfig struct {
	NodeID          string        `yaml:"node_id" mapstructure:"node_id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// SyncConfig holds the synchronization engine limits
type SyncConfig struct {
	MaxPendingEvents    int           `yaml:"max_pending_events" mapstructure:"max_pending_events"`
	SyncAttempts        int           `yaml:"sync_attempts" mapstructure:"sync_attempts"`
	CoordinationTimeout time.Duration `yaml:"coordination_timeout" mapstructure:"coordination_timeout"`
	ReplicationFactor   int           `yaml:"replication_factor" mapstructure:"replication_factor"`
	PreferredProtocol   string        `yaml:"preferred_protocol" mapstructure:"preferred_protocol"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" mapstructure:"maintenance_interval"`
	MaxViolations       int           `yaml:"max_violations" mapstructure:"max_violations"`
	MaxRetired          int           `yaml:"max_retired" mapstructure:"max_retired"`
	OperationLogSize    int           `yaml:"operation_log_size" mapstructure:"operation_log_size"`
	ProtocolWorkers     int           `yaml:"protocol_workers" mapstructure:"protocol_workers"`
	FanOutLimit         int           `yaml:"fan_out_limit" mapstructure:"fan_out_limit"`
	// NetworkBudget is the outbound bytes per second treated as full utilization
	NetworkBudget float64 `yaml:"network_budget" mapstructure:"network_budget"`
}

// OrderingConfig holds sequential ordering configuration
type OrderingConfig struct {
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// ConflictConfig holds conflict detection and resolution configuration
type ConflictConfig struct {
	WindowSize     int                              `yaml:"window_size" mapstructure:"window_size"`
	WindowDuration time.Duration                    `yaml:"window_duration" mapstructure:"window_duration"`
	BurstThreshold int                              `yaml:"burst_threshold" mapstructure:"burst_threshold"`
	Rules          []conflict.ConflictDetectionRule `yaml:"rules" mapstructure:"rules"`
	Strategies     []conflict.RegistryEntry         `yaml:"strategies" mapstructure:"strategies"`
	NodePriorities map[string]int                   `yaml:"node_priorities" mapstructure:"node_priorities"`
	HistorySize    int                              `yaml:"history_size" mapstructure:"history_size"`
}

// BatchConfig holds outbound batching configuration
type BatchConfig struct {
	Strategy      string        `yaml:"strategy" mapstructure:"strategy"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	MinBatchSize  int           `yaml:"min_batch_size" mapstructure:"min_batch_size"`
	MaxBatchSize  int           `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	MaxQueued     int           `yaml:"max_queued" mapstructure:"max_queued"`
	Compression   string        `yaml:"compression" mapstructure:"compression"`
	SendRate      float64       `yaml:"send_rate" mapstructure:"send_rate"`
	SendBurst     int           `yaml:"send_burst" mapstructure:"send_burst"`
	Workers       int           `yaml:"workers" mapstructure:"workers"`
	SendTimeout   time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
}

// AdaptiveConfig holds adaptive controller configuration. Leaving Rules empty
// selects the built-in rule set.
type AdaptiveConfig struct {
	Enabled     bool                 `yaml:"enabled" mapstructure:"enabled"`
	Interval    time.Duration        `yaml:"interval" mapstructure:"interval"`
	HistorySize int                  `yaml:"history_size" mapstructure:"history_size"`
	Rules       []AdaptiveRuleConfig `yaml:"rules" mapstructure:"rules"`
}

// AdaptiveRuleConfig is the file form of an adaptation rule
type AdaptiveRuleConfig struct {
	Name        string        `yaml:"name" mapstructure:"name"`
	Trigger     string        `yaml:"trigger" mapstructure:"trigger"`
	Threshold   float64       `yaml:"threshold" mapstructure:"threshold"`
	Action      string        `yaml:"action" mapstructure:"action"`
	Factor      float64       `yaml:"factor" mapstructure:"factor"`
	Protocol    string        `yaml:"protocol" mapstructure:"protocol"`
	Compression string        `yaml:"compression" mapstructure:"compression"`
	Cooldown    time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// GossipConfig holds memberlist configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	BindAddr       string        `yaml:"bind_addr" mapstructure:"bind_addr"`
	BindPort       int           `yaml:"bind_port" mapstructure:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes" mapstructure:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval" mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Node:    NodeConfig{NodeID: "vexfs-node-1"},
		Metrics: MetricsConfig{Enabled: true},
		Adaptive: AdaptiveConfig{
			Enabled: true,
		},
	}
	setDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Config{
		Metrics:  MetricsConfig{Enabled: true},
		Adaptive: AdaptiveConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.ShutdownTimeout == 0 {
		cfg.Node.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Sync.MaxPendingEvents == 0 {
		cfg.Sync.MaxPendingEvents = 10000
	}
	if cfg.Sync.SyncAttempts == 0 {
		cfg.Sync.SyncAttempts = 3
	}
	if cfg.Sync.CoordinationTimeout == 0 {
		cfg.Sync.CoordinationTimeout = 5 * time.Second
	}
	if cfg.Sync.ReplicationFactor == 0 {
		cfg.Sync.ReplicationFactor = 3
	}
	if cfg.Sync.PreferredProtocol == "" {
		cfg.Sync.PreferredProtocol = "causal"
	}
	if cfg.Sync.MaintenanceInterval == 0 {
		cfg.Sync.MaintenanceInterval = time.Second
	}
	if cfg.Sync.MaxViolations == 0 {
		cfg.Sync.MaxViolations = 1000
	}
	if cfg.Sync.MaxRetired == 0 {
		cfg.Sync.MaxRetired = 100000
	}
	if cfg.Sync.OperationLogSize == 0 {
		cfg.Sync.OperationLogSize = 10000
	}
	if cfg.Sync.ProtocolWorkers == 0 {
		cfg.Sync.ProtocolWorkers = 8
	}
	if cfg.Sync.FanOutLimit == 0 {
		cfg.Sync.FanOutLimit = 32
	}
	if cfg.Sync.NetworkBudget == 0 {
		cfg.Sync.NetworkBudget = 10 * 1024 * 1024 // 10MB/s
	}

	if cfg.Ordering.BufferSize == 0 {
		cfg.Ordering.BufferSize = 4096
	}

	if cfg.Conflict.WindowSize == 0 {
		cfg.Conflict.WindowSize = 64
	}
	if cfg.Conflict.WindowDuration == 0 {
		cfg.Conflict.WindowDuration = time.Minute
	}
	if cfg.Conflict.BurstThreshold == 0 {
		cfg.Conflict.BurstThreshold = 5
	}
	if cfg.Conflict.HistorySize == 0 {
		cfg.Conflict.HistorySize = 1000
	}

	if cfg.Batch.Strategy == "" {
		cfg.Batch.Strategy = "adaptive"
	}
	if cfg.Batch.BatchSize == 0 {
		cfg.Batch.BatchSize = 64
	}
	if cfg.Batch.MinBatchSize == 0 {
		cfg.Batch.MinBatchSize = 8
	}
	if cfg.Batch.MaxBatchSize == 0 {
		cfg.Batch.MaxBatchSize = 1024
	}
	if cfg.Batch.FlushInterval == 0 {
		cfg.Batch.FlushInterval = 100 * time.Millisecond
	}
	if cfg.Batch.MaxQueued == 0 {
		cfg.Batch.MaxQueued = 10000
	}
	if cfg.Batch.Compression == "" {
		cfg.Batch.Compression = "fast"
	}
	if cfg.Batch.SendRate == 0 {
		cfg.Batch.SendRate = 200
	}
	if cfg.Batch.SendBurst == 0 {
		cfg.Batch.SendBurst = 20
	}
	if cfg.Batch.Workers == 0 {
		cfg.Batch.Workers = 4
	}
	if cfg.Batch.SendTimeout == 0 {
		cfg.Batch.SendTimeout = 5 * time.Second
	}

	if cfg.Adaptive.Interval == 0 {
		cfg.Adaptive.Interval = 5 * time.Second
	}
	if cfg.Adaptive.HistorySize == 0 {
		cfg.Adaptive.HistorySize = 256
	}

	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = "0.0.0.0"
	}
	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id is required")
	}
	switch c.Sync.PreferredProtocol {
	case "eventual", "causal", "strong", "sequential", "linearizable":
	default:
		return fmt.Errorf("sync.preferred_protocol %q is not a known protocol", c.Sync.PreferredProtocol)
	}
	if c.Sync.MaxPendingEvents < 1 {
		return fmt.Errorf("sync.max_pending_events must be positive")
	}
	if c.Sync.ReplicationFactor < 1 {
		return fmt.Errorf("sync.replication_factor must be positive")
	}
	if c.Batch.MinBatchSize > c.Batch.MaxBatchSize {
		return fmt.Errorf("batch.min_batch_size must not exceed batch.max_batch_size")
	}
	if c.Batch.SendRate < 0 {
		return fmt.Errorf("batch.send_rate must not be negative")
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
