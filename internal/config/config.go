package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration for the changelog node
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Indexer IndexerConfig `yaml:"indexer"`
	Purge   PurgeConfig   `yaml:"purge"`
	Disk    DiskConfig    `yaml:"disk"`
	Gossip  GossipConfig  `yaml:"gossip"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	ChangelogDir string `yaml:"changelog_dir"`
	// StateFile holds the persisted changelog state
	StateFile string `yaml:"state_file"`
}

// LogConfig holds log file configuration shared by replica logs and the
// change number index
type LogConfig struct {
	SegmentSize      int64         `yaml:"segment_size"`
	RotationInterval time.Duration `yaml:"rotation_interval"`
	SyncWrites       bool          `yaml:"sync_writes"`
	IndexInterval    int           `yaml:"index_interval"`
}

// IndexerConfig holds change number indexer configuration
type IndexerConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	ExcludedDomains []string      `yaml:"excluded_domains"`
}

// PurgeConfig holds background purge configuration
type PurgeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Delay    time.Duration `yaml:"delay"`
	Workers  int           `yaml:"workers"`
}

// DiskConfig holds disk guard configuration
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	ReplicaID      int32         `yaml:"replica_id"`
	Domains        []string      `yaml:"domains"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML configuration, applying defaults and validating it
func Parse(data []byte) (*Config, error) {
	var cfg Config
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
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50053
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairdb"
	}
	if cfg.Storage.ChangelogDir == "" {
		cfg.Storage.ChangelogDir = filepath.Join(cfg.Storage.DataDir, "changelog")
	}
	if cfg.Storage.StateFile == "" {
		cfg.Storage.StateFile = filepath.Join(cfg.Storage.ChangelogDir, "changelog_state.db")
	}

	if cfg.Log.SegmentSize == 0 {
		cfg.Log.SegmentSize = 100 * 1024 * 1024 // 100MB
	}
	if cfg.Log.IndexInterval == 0 {
		cfg.Log.IndexInterval = 128
	}

	if cfg.Indexer.QueueSize == 0 {
		cfg.Indexer.QueueSize = 10000
	}
	if cfg.Indexer.PublishTimeout == 0 {
		cfg.Indexer.PublishTimeout = 5 * time.Second
	}

	if cfg.Purge.Interval == 0 {
		cfg.Purge.Interval = 10 * time.Minute
	}
	if cfg.Purge.Delay == 0 {
		cfg.Purge.Delay = 72 * time.Hour
	}
	if cfg.Purge.Workers == 0 {
		cfg.Purge.Workers = 4
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80.0
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = 90.0
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95.0
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7947
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
		cfg.Metrics.Port = 9091
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
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if c.Log.SegmentSize < 1024 {
		return fmt.Errorf("log.segment_size must be at least 1024 bytes")
	}
	if c.Log.IndexInterval < 1 {
		return fmt.Errorf("log.index_interval must be positive")
	}
	if c.Indexer.QueueSize < 1 {
		return fmt.Errorf("indexer.queue_size must be positive")
	}
	if c.Purge.Workers < 1 {
		return fmt.Errorf("purge.workers must be positive")
	}
	if !(c.Disk.WarningThreshold <= c.Disk.ThrottleThreshold &&
		c.Disk.ThrottleThreshold <= c.Disk.CircuitBreakerThreshold &&
		c.Disk.CircuitBreakerThreshold <= 100) {
		return fmt.Errorf("disk thresholds must satisfy warning <= throttle <= circuit_breaker <= 100")
	}
	if c.Gossip.Enabled && c.Gossip.ReplicaID < 0 {
		return fmt.Errorf("gossip.replica_id must not be negative")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
