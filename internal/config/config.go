package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the admin node and worker node
// binaries. Each binary reads the sections it needs.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	P2P       P2PConfig       `toml:"p2p"`
	Transfer  TransferConfig  `toml:"transfer"`
	Allocator AllocatorConfig `toml:"allocator"`
	Health    HealthConfig    `toml:"health"`
	License   LicenseConfig   `toml:"license"`
	Node      NodeConfig      `toml:"node"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
	JWTSecret    string `toml:"jwt_secret"`
}

// DatabaseConfig holds PostgreSQL configuration for the control plane.
type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode"`
}

// RedisConfig holds the transfer session store configuration.
type RedisConfig struct {
	Enabled           bool   `toml:"enabled"`
	Addr              string `toml:"addr"`
	Password          string `toml:"password"`
	DB                int    `toml:"db"`
	SessionTTLMinutes int    `toml:"session_ttl_minutes"`
}

// P2PConfig holds libp2p configuration.
type P2PConfig struct {
	ListenAddresses []string `toml:"listen_addresses"`
	BootstrapPeers  []string `toml:"bootstrap_peers"`
}

// TransferConfig tunes the block transfer engine.
type TransferConfig struct {
	ChunkSizeBytes    int64 `toml:"chunk_size_bytes"`
	MaxRetries        int   `toml:"max_retries"`
	BackoffBaseMillis int   `toml:"backoff_base_millis"`
	AttemptTimeoutSec int   `toml:"attempt_timeout_sec"`
}

// AllocatorConfig tunes the resource allocation loop.
type AllocatorConfig struct {
	Strategy            string `toml:"strategy"`
	AllocationInterval  int    `toml:"allocation_interval_sec"`
	CleanupInterval     int    `toml:"cleanup_interval_sec"`
	StaleAfterMinutes   int    `toml:"stale_after_minutes"`
	RequestTimeoutSec   int    `toml:"request_timeout_sec"`
}

// HealthConfig tunes heartbeat monitoring. Thresholds are in missed
// heartbeat intervals.
type HealthConfig struct {
	HeartbeatIntervalSec int `toml:"heartbeat_interval_sec"`
	WarningThreshold     int `toml:"warning_threshold"`
	FailureThreshold     int `toml:"failure_threshold"`
}

// LicenseConfig holds the static license of this deployment.
type LicenseConfig struct {
	Tier          string   `toml:"tier"`
	AllowedModels []string `toml:"allowed_models"`
	ExpiresAt     string   `toml:"expires_at"`
}

// NodeConfig holds worker node settings. PeerID records the identity
// registered with the admin; the identity key itself lives in
// DataDir/identity.key.
type NodeConfig struct {
	Name          string `toml:"name"`
	DataDir       string `toml:"data_dir"`
	DatabasePath  string `toml:"database_path"`
	AdminURL      string `toml:"admin_url"`
	APIKey        string `toml:"api_key"`
	PeerID        string `toml:"peer_id"`
	NetworkID     string `toml:"network_id"`
	HeartbeatSec  int    `toml:"heartbeat_sec"`
}

// IdentityKeyPath returns where the node's libp2p identity key is kept.
func (c *NodeConfig) IdentityKeyPath() string {
	return filepath.Join(c.DataDir, "identity.key")
}

// Load loads configuration from a TOML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	return &config, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Save writes the configuration to a TOML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection URL.
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// SetDefaults sets default values for config.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.Database == "" {
		c.Database.Database = "modelmesh"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.SessionTTLMinutes == 0 {
		c.Redis.SessionTTLMinutes = 24 * 60
	}
	if len(c.P2P.ListenAddresses) == 0 {
		c.P2P.ListenAddresses = []string{"/ip4/0.0.0.0/tcp/4001"}
	}
	if c.Transfer.ChunkSizeBytes == 0 {
		c.Transfer.ChunkSizeBytes = 256 * 1024 // 256KB
	}
	if c.Transfer.MaxRetries == 0 {
		c.Transfer.MaxRetries = 3
	}
	if c.Transfer.BackoffBaseMillis == 0 {
		c.Transfer.BackoffBaseMillis = 1000
	}
	if c.Transfer.AttemptTimeoutSec == 0 {
		c.Transfer.AttemptTimeoutSec = 30
	}
	if c.Allocator.Strategy == "" {
		c.Allocator.Strategy = "priority_based"
	}
	if c.Allocator.AllocationInterval == 0 {
		c.Allocator.AllocationInterval = 1
	}
	if c.Allocator.CleanupInterval == 0 {
		c.Allocator.CleanupInterval = 30
	}
	if c.Allocator.StaleAfterMinutes == 0 {
		c.Allocator.StaleAfterMinutes = 10
	}
	if c.Allocator.RequestTimeoutSec == 0 {
		c.Allocator.RequestTimeoutSec = 60
	}
	if c.Health.HeartbeatIntervalSec == 0 {
		c.Health.HeartbeatIntervalSec = 10
	}
	if c.Health.WarningThreshold == 0 {
		c.Health.WarningThreshold = 2
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 5
	}
	if c.License.Tier == "" {
		c.License.Tier = "FREE"
	}
	if c.Node.Name == "" {
		c.Node.Name = "worker"
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "./data"
	}
	if c.Node.DatabasePath == "" {
		c.Node.DatabasePath = filepath.Join(c.Node.DataDir, "node.db")
	}
	if c.Node.AdminURL == "" {
		c.Node.AdminURL = "http://localhost:8080"
	}
	if c.Node.HeartbeatSec == 0 {
		c.Node.HeartbeatSec = 10
	}
}
