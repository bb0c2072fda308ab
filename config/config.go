package config

import (
	"fmt"
	"os"

	"github.com/xiaonanln/rcuvar/util/logger"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the listen addresses of rcuvard
type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"` // Optional: serve /metrics and /healthz
}

// ClusterConfig holds cluster-level configuration
type ClusterConfig struct {
	Shards int        `yaml:"shards"`
	Nodes  []string   `yaml:"nodes"`
	Etcd   EtcdConfig `yaml:"etcd"`
}

// EtcdConfig holds etcd-specific configuration
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// PostgresConfig holds PostgreSQL database connection configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // Use "require" in production
}

// Enabled reports whether a PostgreSQL history store is configured
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

// Config is the root configuration structure
type Config struct {
	Version  int            `yaml:"version"`
	LogLevel string         `yaml:"log_level"`
	Server   ServerConfig   `yaml:"server"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Postgres PostgresConfig `yaml:"postgres"` // Optional: shard mapping history
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server grpc_addr is required")
	}

	if c.Cluster.Shards <= 0 {
		return fmt.Errorf("cluster shards must be specified and positive")
	}

	nodes := make(map[string]bool)
	for i, node := range c.Cluster.Nodes {
		if node == "" {
			return fmt.Errorf("node %d: address is required", i)
		}
		if nodes[node] {
			return fmt.Errorf("duplicate node: %s", node)
		}
		nodes[node] = true
	}

	if len(c.Cluster.Etcd.Endpoints) > 0 && c.Cluster.Etcd.Prefix == "" {
		return fmt.Errorf("etcd prefix is required when endpoints are set")
	}

	if c.Postgres.Enabled() {
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.Port < 0 || c.Postgres.Port > 65535 {
			return fmt.Errorf("invalid postgres port: %d", c.Postgres.Port)
		}
	}

	return nil
}

// Clone returns a deep copy of the configuration
func (c Config) Clone() Config {
	c.Cluster.Nodes = append([]string(nil), c.Cluster.Nodes...)
	c.Cluster.Etcd.Endpoints = append([]string(nil), c.Cluster.Etcd.Endpoints...)
	return c
}

// GetEtcdAddress returns the first etcd endpoint address
func (c *Config) GetEtcdAddress() string {
	if len(c.Cluster.Etcd.Endpoints) > 0 {
		return c.Cluster.Etcd.Endpoints[0]
	}
	return ""
}

// GetEtcdPrefix returns the etcd prefix
func (c *Config) GetEtcdPrefix() string {
	return c.Cluster.Etcd.Prefix
}

// GetNumShards returns the number of shards
func (c *Config) GetNumShards() int {
	return c.Cluster.Shards
}

// GetLogLevel returns the configured log level, INFO when unset
func (c *Config) GetLogLevel() logger.LogLevel {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return logger.INFO
	}
	return level
}
