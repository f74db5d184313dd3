// Package config loads and validates node configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Storage, Cache, Blob, Cluster, Logging, Metrics).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Blob    BlobConfig    `yaml:"blob"`
	Cluster ClusterConfig `yaml:"cluster"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds the client-facing listen address. The replication
// address lives under cluster.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// StorageConfig holds the data directory and durability settings.
type StorageConfig struct {
	DataDir    string `yaml:"dataDir"`
	SyncWrites bool   `yaml:"syncWrites"`
}

// CacheConfig tunes the query result cache.
type CacheConfig struct {
	CapacityMB int           `yaml:"capacityMb"`
	TimeToIdle time.Duration `yaml:"timeToIdle"`
}

// BlobConfig selects and tunes the blob backend.
type BlobConfig struct {
	// Backend is "local" or "s3".
	Backend     string `yaml:"backend"`
	MaxBlobSize int64  `yaml:"maxBlobSize"`

	// S3 settings, used when Backend is "s3".
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSsl"`
}

// ClusterConfig holds replication settings. An empty ListenAddr disables
// clustering.
type ClusterConfig struct {
	ListenAddr string   `yaml:"listenAddr"`
	Secret     string   `yaml:"secret"`
	SecretFile string   `yaml:"secretFile"`
	Peers      []string `yaml:"peers"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads a YAML config file (if provided) and applies
// environment-variable overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8980",
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Cache: CacheConfig{
			CapacityMB: 32,
			TimeToIdle: 10 * time.Minute,
		},
		Blob: BlobConfig{
			Backend: "local",
		},
		Cluster: ClusterConfig{
			HeartbeatInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Validate reports configuration errors that would only surface later at
// runtime.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("config: server.listenAddr is required")
	}
	if c.Storage.DataDir == "" {
		return errors.New("config: storage.dataDir is required")
	}
	switch c.Blob.Backend {
	case "local":
	case "s3":
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return errors.New("config: blob.endpoint and blob.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown blob backend %q", c.Blob.Backend)
	}
	if c.Cluster.ListenAddr != "" && c.Cluster.Secret == "" && c.Cluster.SecretFile == "" {
		return errors.New("config: cluster.secret or cluster.secretFile is required when clustering is enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	return nil
}

// ClusterSecret resolves the shared secret, reading SecretFile when set.
func (c *Config) ClusterSecret() ([]byte, error) {
	if c.Cluster.SecretFile != "" {
		raw, err := os.ReadFile(c.Cluster.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("reading cluster secret file: %w", err)
		}
		return []byte(strings.TrimSpace(string(raw))), nil
	}
	if c.Cluster.Secret != "" {
		return []byte(c.Cluster.Secret), nil
	}
	return nil, nil
}

// applyEnvOverrides reads JMAP_* environment variables and overrides the
// corresponding fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JMAP_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("JMAP_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("JMAP_SYNC_WRITES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.SyncWrites = b
		}
	}
	if v := os.Getenv("JMAP_CLUSTER_ADDR"); v != "" {
		cfg.Cluster.ListenAddr = v
	}
	if v := os.Getenv("JMAP_CLUSTER_SECRET"); v != "" {
		cfg.Cluster.Secret = v
	}
	if v := os.Getenv("JMAP_CLUSTER_PEERS"); v != "" {
		cfg.Cluster.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv("JMAP_BLOB_BACKEND"); v != "" {
		cfg.Blob.Backend = v
	}
	if v := os.Getenv("JMAP_S3_ENDPOINT"); v != "" {
		cfg.Blob.Endpoint = v
	}
	if v := os.Getenv("JMAP_S3_ACCESS_KEY"); v != "" {
		cfg.Blob.AccessKey = v
	}
	if v := os.Getenv("JMAP_S3_SECRET_KEY"); v != "" {
		cfg.Blob.SecretKey = v
	}
	if v := os.Getenv("JMAP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("JMAP_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
}
