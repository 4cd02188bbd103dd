// Package config handles configuration loading for the courier node.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). A .env file next to the
// process, if present, is loaded into the environment first. This allows
// sensitive values like database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP server settings (address, TLS, admin key)
//   - storage: backends for objects, ledger and delivery state
//   - redis: session registry, cross-node relay and identity cache
//   - signing: node key file
//   - network: the ledger seals are accepted from
//   - messaging: inbound validation and queueing policy
//   - delivery: durable channel and retry policy
//   - push, discovery, sender, log, observability
//
// # Example Configuration
//
//	server:
//	  port: 8080
//	  adminKey: ${COURIER_ADMIN_KEY}
//
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: courier
//
//	network:
//	  name: testnet
//	  blockchain: bitcoin
//
// See [Load] for loading configuration from a file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage types
const (
	StorageMongoDB  = "mongodb"
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Signing   SigningConfig   `yaml:"signing"`
	Network   NetworkConfig   `yaml:"network"`
	Messaging MessagingConfig `yaml:"messaging"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Push      PushConfig      `yaml:"push"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Sender    SenderConfig    `yaml:"sender"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port           int           `yaml:"port"`
	NodeID         string        `yaml:"nodeId"`   // Distinguishes nodes sharing a session registry
	AdminKey       string        `yaml:"adminKey"` // API key for admin endpoints
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	MaxBodyBytes   int64         `yaml:"maxBodyBytes"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	TLS            struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	// Type selects the main store: "mongodb" or "memory"
	Type string `yaml:"type"`
	// Ledger optionally moves the message ledger to another backend: "postgres"
	Ledger   string         `yaml:"ledger"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"maxConns"`
}

// RedisConfig holds Redis connection settings. An empty address keeps
// sessions local to the node.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	IdentityTTL time.Duration `yaml:"identityTTL"`
}

// SigningConfig holds signing key settings
type SigningConfig struct {
	// KeyFile is the PEM file of the node key. It is generated on first start.
	KeyFile string `yaml:"keyFile"`
}

// NetworkConfig names the ledger seals are watched on
type NetworkConfig struct {
	Name       string `yaml:"name"`
	Blockchain string `yaml:"blockchain"`
}

// MessagingConfig holds inbound validation and queueing settings
type MessagingConfig struct {
	NoTimeTravel     bool     `yaml:"noTimeTravel"`
	ValidateVersions bool     `yaml:"validateVersions"`
	ForbiddenInbound []string `yaml:"forbiddenInbound"`
	UnindexedTypes   []string `yaml:"unindexedTypes"`
	MaxQueueAttempts int      `yaml:"maxQueueAttempts"`
}

// DeliveryConfig holds durable channel and retry settings
type DeliveryConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialBackoff  time.Duration `yaml:"initialBackoff"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
	BackoffMultiple float64       `yaml:"backoffMultiple"`
	CompressAbove   int           `yaml:"compressAbove"`
}

// PushConfig holds push notification settings. An empty server URL
// disables push.
type PushConfig struct {
	ServerURL string        `yaml:"serverURL"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DiscoveryConfig holds inbox discovery settings
type DiscoveryConfig struct {
	DNSServer    string `yaml:"dnsServer"`
	RecordPrefix string `yaml:"recordPrefix"`
	AllowHTTP    bool   `yaml:"allowHTTP"`
}

// SenderConfig holds background resender settings
type SenderConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
	Workers      int           `yaml:"workers"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration after expanding environment variables
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.NodeID = host
		} else {
			c.Server.NodeID = "courier"
		}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 32 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMongoDB
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "courier"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "media"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Storage.Postgres.MaxConns == 0 {
		c.Storage.Postgres.MaxConns = 10
	}
	if c.Redis.IdentityTTL == 0 {
		c.Redis.IdentityTTL = time.Hour
	}
	if c.Signing.KeyFile == "" {
		c.Signing.KeyFile = "keys/node.pem"
	}
	if c.Messaging.MaxQueueAttempts == 0 {
		c.Messaging.MaxQueueAttempts = 3
	}
	if c.Delivery.Timeout == 0 {
		c.Delivery.Timeout = 30 * time.Second
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 10
	}
	if c.Delivery.InitialBackoff == 0 {
		c.Delivery.InitialBackoff = 30 * time.Second
	}
	if c.Delivery.MaxBackoff == 0 {
		c.Delivery.MaxBackoff = 6 * time.Hour
	}
	if c.Delivery.BackoffMultiple == 0 {
		c.Delivery.BackoffMultiple = 2.0
	}
	if c.Delivery.CompressAbove == 0 {
		c.Delivery.CompressAbove = 64 << 10
	}
	if c.Sender.PollInterval == 0 {
		c.Sender.PollInterval = 5 * time.Second
	}
	if c.Sender.BatchSize == 0 {
		c.Sender.BatchSize = 50
	}
	if c.Sender.Workers == 0 {
		c.Sender.Workers = 4
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case StorageMongoDB:
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.type must be 'mongodb' or 'memory', got '%s'", c.Storage.Type)
	}

	switch c.Storage.Ledger {
	case "", c.Storage.Type:
	case StoragePostgres:
		if c.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required when storage.ledger is 'postgres'")
		}
	default:
		return fmt.Errorf("storage.ledger must be empty or 'postgres', got '%s'", c.Storage.Ledger)
	}

	if c.Network.Name == "" || c.Network.Blockchain == "" {
		return fmt.Errorf("network.name and network.blockchain are required")
	}
	if c.Messaging.MaxQueueAttempts < 1 {
		return fmt.Errorf("messaging.maxQueueAttempts must be at least 1")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}
	return nil
}
