package config

import (
	"fmt"
	"time"
)

// Config represents the complete node configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Node      NodeConfig      `mapstructure:"node"`
	CommitLog CommitLogConfig `mapstructure:"commitlog"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Events    EventsConfig    `mapstructure:"events"`
	Repair    RepairConfig    `mapstructure:"repair"`
	Migration MigrationConfig `mapstructure:"migration"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents the admin HTTP server configuration
type ServerConfig struct {
	Host     string `mapstructure:"host"`      // Bind address (e.g., 0.0.0.0 for all interfaces)
	HTTPPort int    `mapstructure:"http_port"` // Admin HTTP port
}

// NodeConfig identifies this node
type NodeConfig struct {
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
}

// CommitLogConfig represents commit log configuration
type CommitLogConfig struct {
	Dir            string `mapstructure:"dir"`              // Segment directory
	MaxSegmentSize int64  `mapstructure:"max_segment_size"` // Rotation threshold in bytes
	Compress       bool   `mapstructure:"compress"`         // Snappy-compress record payloads
	FailurePolicy  string `mapstructure:"failure_policy"`   // stop, ignore, die
	// IgnoreReplayErrors downgrades replay corruption to log-and-skip.
	IgnoreReplayErrors bool `mapstructure:"ignore_replay_errors"`
}

// EtcdConfig represents the metadata log backend configuration
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	CertFile    string        `mapstructure:"cert_file"`
	KeyFile     string        `mapstructure:"key_file"`
	CAFile      string        `mapstructure:"ca_file"`
	// Embedded keeps metadata in process memory instead of etcd.
	// Single-node and test deployments only.
	Embedded bool `mapstructure:"embedded"`
}

// EventsConfig represents the migration event bus configuration
type EventsConfig struct {
	Type     string `mapstructure:"type"`     // Bus type: nats (default), redis, kafka, memory
	URL      string `mapstructure:"url"`      // Bus server URL (e.g., nats://localhost:4222, redis://localhost:6379)
	Username string `mapstructure:"username"` // Optional authentication
	Password string `mapstructure:"password"` // Optional authentication

	// Redis-specific options
	RedisDB     int    `mapstructure:"redis_db"`     // Redis database number (default: 0)
	RedisStream string `mapstructure:"redis_stream"` // Redis stream name (default: "stratum-migration")

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"` // Kafka broker addresses
	KafkaTopic   string   `mapstructure:"kafka_topic"`   // Kafka topic (default: "stratum-migration")
}

// RepairConfig represents repair subsystem client configuration
type RepairConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`    // Repair service gRPC endpoints
	DialTimeout time.Duration `mapstructure:"dial_timeout"` // Per-connection dial timeout
	JobThreads  int           `mapstructure:"job_threads"`  // Default repair job threads
	Parallelism int           `mapstructure:"parallelism"`  // Default repair parallelism
	Incremental bool          `mapstructure:"incremental"`  // Default to incremental repair
}

// MigrationConfig declares the keyspaces managed by the consensus-capable
// replication strategy and their tables. Begin/finish requests are
// resolved against this set.
type MigrationConfig struct {
	Keyspaces []KeyspaceConfig `mapstructure:"keyspaces"`
}

// KeyspaceConfig represents one managed keyspace
type KeyspaceConfig struct {
	Name   string   `mapstructure:"name"`
	Tables []string `mapstructure:"tables"`
}

// AuthConfig represents authentication configuration
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`  // Enable/disable API key authentication
	APIKeys []string `mapstructure:"api_keys"` // List of valid API keys
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, Kitchen
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.CommitLog.Validate(); err != nil {
		return fmt.Errorf("commitlog config: %w", err)
	}

	if err := c.Etcd.Validate(); err != nil {
		return fmt.Errorf("etcd config: %w", err)
	}

	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}

	return nil
}

// Validate validates commit log configuration
func (c *CommitLogConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("commitlog.dir is required")
	}

	if c.MaxSegmentSize <= 0 {
		return fmt.Errorf("commitlog.max_segment_size must be positive")
	}

	switch c.FailurePolicy {
	case "", "stop", "ignore", "die":
	default:
		return fmt.Errorf("commitlog.failure_policy must be one of: stop, ignore, die")
	}

	return nil
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	if c.Embedded {
		return nil
	}

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	return nil
}

// Validate validates events configuration
func (c *EventsConfig) Validate() error {
	switch c.Type {
	case "", "memory", "nats", "redis", "kafka":
	default:
		return fmt.Errorf("events.type must be one of: memory, nats, redis, kafka")
	}

	if c.Type == "kafka" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("events.kafka_brokers is required for kafka")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}

// ManagedKeyspace returns the configured keyspace by name, or nil.
func (c *MigrationConfig) ManagedKeyspace(name string) *KeyspaceConfig {
	for i := range c.Keyspaces {
		if c.Keyspaces[i].Name == name {
			return &c.Keyspaces[i]
		}
	}
	return nil
}
