package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// BrokerConfig holds all configuration for the broker
type BrokerConfig struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Network  NetworkConfig  `toml:"network"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Enabled  bool   `toml:"enabled"`
	URL      string `toml:"url"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode"`
}

// NetworkConfig holds liveness and relay selection timings
type NetworkConfig struct {
	LivenessWindowSec int `toml:"liveness_window_sec"`
	SweepIntervalSec  int `toml:"sweep_interval_sec"`
	RecentSeenSec     int `toml:"recent_seen_sec"`
}

// LogConfig holds logger settings shared by both binaries
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// LoadBroker loads broker configuration from a TOML file
func LoadBroker(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config BrokerConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	return &config, nil
}

// DefaultBrokerConfig returns a default broker configuration
func DefaultBrokerConfig() *BrokerConfig {
	cfg := &BrokerConfig{}
	cfg.SetDefaults()
	return cfg
}

// DatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) DatabaseURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// LivenessWindow is how long a node may stay silent before the sweep marks it offline
func (c *NetworkConfig) LivenessWindow() time.Duration {
	return time.Duration(c.LivenessWindowSec) * time.Second
}

// SweepInterval is the period of the liveness sweep
func (c *NetworkConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// RecentSeen is the age under which a relay candidate earns the freshness bonus
func (c *NetworkConfig) RecentSeen() time.Duration {
	return time.Duration(c.RecentSeenSec) * time.Second
}

// ApplyEnv overrides file settings with the deployment environment
func (c *BrokerConfig) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
		c.Database.Enabled = true
	}
}

// SetDefaults sets default values for config
func (c *BrokerConfig) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
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
		c.Database.Database = "bufferwave"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Network.LivenessWindowSec == 0 {
		c.Network.LivenessWindowSec = 60
	}
	if c.Network.SweepIntervalSec == 0 {
		c.Network.SweepIntervalSec = 30
	}
	if c.Network.RecentSeenSec == 0 {
		c.Network.RecentSeenSec = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
