package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")            // Current directory
		v.AddConfigPath("./configs")    // Project configs directory
		v.AddConfigPath("./config")     // Alternative config directory
		v.AddConfigPath("/etc/stratum") // System-wide config
	}

	// Set defaults
	setDefaults(v)

	// Enable environment variable overrides
	v.SetEnvPrefix("STRATUM")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 7070)

	// Node defaults
	v.SetDefault("node.id", "stratum-default-node")
	v.SetDefault("node.data_dir", "./data")

	// Commit log defaults
	v.SetDefault("commitlog.dir", "./data/commitlog")
	v.SetDefault("commitlog.max_segment_size", 32*1024*1024)
	v.SetDefault("commitlog.failure_policy", "stop")

	// Etcd defaults
	v.SetDefault("etcd.endpoints", []string{"http://localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Events defaults
	v.SetDefault("events.type", "nats")
	v.SetDefault("events.url", "nats://localhost:4222")
	v.SetDefault("events.redis_stream", "stratum-migration")
	v.SetDefault("events.kafka_topic", "stratum-migration")

	// Repair defaults
	v.SetDefault("repair.dial_timeout", "5s")
	v.SetDefault("repair.job_threads", 1)
	v.SetDefault("repair.parallelism", 1)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		// Return default configuration
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 7070,
		},
		Node: NodeConfig{
			ID:      "stratum-default-node",
			DataDir: "./data",
		},
		CommitLog: CommitLogConfig{
			Dir:            "./data/commitlog",
			MaxSegmentSize: 32 * 1024 * 1024,
			FailurePolicy:  "stop",
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://localhost:2379"},
			DialTimeout: 5 * time.Second,
		},
		Events: EventsConfig{
			Type:        "nats",
			URL:         "nats://localhost:4222",
			RedisStream: "stratum-migration",
			KafkaTopic:  "stratum-migration",
		},
		Repair: RepairConfig{
			DialTimeout: 5 * time.Second,
			JobThreads:  1,
			Parallelism: 1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
