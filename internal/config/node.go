package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Node roles
const (
	RoleIsolated = "isolated"
	RoleRelay    = "relay"
)

// Local queue backends
const (
	QueueSQLite = "sqlite"
	QueueJSON   = "json"
)

// NodeConfig holds all configuration for a device process
type NodeConfig struct {
	Node      NodeIdentityConfig `toml:"node"`
	Broker    BrokerClientConfig `toml:"broker"`
	Proxy     ProxyConfig        `toml:"proxy"`
	Probe     ProbeConfig        `toml:"probe"`
	Heartbeat HeartbeatConfig    `toml:"heartbeat"`
	Relay     RelayConfig        `toml:"relay"`
	Queue     QueueConfig        `toml:"queue"`
	Log       LogConfig          `toml:"log"`
}

// NodeIdentityConfig holds the identity a device advertises to the broker
type NodeIdentityConfig struct {
	UserID        string  `toml:"user_id"`
	Role          string  `toml:"role"`
	Country       string  `toml:"country"`
	FamilyGroup   string  `toml:"family_group"`
	BandwidthMbps float64 `toml:"bandwidth_mbps"`
	DataDir       string  `toml:"data_dir"`
	PublicKey     string  `toml:"public_key"`
}

// BrokerClientConfig holds broker connection info
type BrokerClientConfig struct {
	URL            string `toml:"url"`
	RequestTimeout int    `toml:"request_timeout_sec"`
}

// ProxyConfig holds the local interception endpoint settings
type ProxyConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ProbeConfig holds signal probe settings
type ProbeConfig struct {
	IntervalMs int `toml:"interval_ms"`
	TimeoutMs  int `toml:"timeout_ms"`
}

// HeartbeatConfig holds heartbeat loop settings
type HeartbeatConfig struct {
	IntervalSec int `toml:"interval_sec"`
}

// RelayConfig holds relay-side forwarder settings
type RelayConfig struct {
	ReportIntervalSec   int   `toml:"report_interval_sec"`
	MinReportBytes      int64 `toml:"min_report_bytes"`
	DialTimeoutSec      int   `toml:"dial_timeout_sec"`
	HandshakeTimeoutSec int   `toml:"handshake_timeout_sec"`
}

// QueueConfig holds local DTN queue settings
type QueueConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// LoadNode loads device configuration from a TOML file
func LoadNode(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config NodeConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	return &config, nil
}

// DefaultNodeConfig returns a default device configuration
func DefaultNodeConfig() *NodeConfig {
	cfg := &NodeConfig{}
	cfg.setDefaults()
	return cfg
}

// Save saves configuration to a TOML file
func (c *NodeConfig) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EnsureDirs creates necessary directories
func (c *NodeConfig) EnsureDirs() error {
	if err := os.MkdirAll(c.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Node.DataDir, err)
	}
	return nil
}

// Validate checks the settings a running device cannot do without
func (c *NodeConfig) Validate() error {
	if c.Node.UserID == "" {
		return fmt.Errorf("node.user_id is required")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	switch c.Node.Role {
	case RoleIsolated, RoleRelay:
	default:
		return fmt.Errorf("node.role must be %q or %q, got %q", RoleIsolated, RoleRelay, c.Node.Role)
	}
	switch c.Queue.Backend {
	case QueueSQLite, QueueJSON:
	default:
		return fmt.Errorf("queue.backend must be %q or %q, got %q", QueueSQLite, QueueJSON, c.Queue.Backend)
	}
	if c.Node.BandwidthMbps < 0 {
		return fmt.Errorf("node.bandwidth_mbps must not be negative")
	}
	return nil
}

// ApplyEnv overrides file settings with the deployment environment
func (c *NodeConfig) ApplyEnv() {
	if v := os.Getenv("BUFFERWAVE_SERVER"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("USER_ID"); v != "" {
		c.Node.UserID = v
	}
	if v := os.Getenv("COUNTRY"); v != "" {
		c.Node.Country = v
	}
	if v := os.Getenv("FAMILY_GROUP"); v != "" {
		c.Node.FamilyGroup = v
	}
	if v := os.Getenv("MAX_BANDWIDTH"); v != "" {
		if bw, err := strconv.ParseFloat(v, 64); err == nil {
			c.Node.BandwidthMbps = bw
		}
	}
}

// ProxyAddr is the loopback address of the local interception endpoint
func (c *NodeConfig) ProxyAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}

// QueuePath returns the local queue location for the configured backend
func (c *NodeConfig) QueuePath() string {
	if c.Queue.Path != "" {
		return c.Queue.Path
	}
	if c.Queue.Backend == QueueJSON {
		return filepath.Join(c.Node.DataDir, ".dtn_queue.json")
	}
	return filepath.Join(c.Node.DataDir, "dtn_queue.db")
}

// KeyPath is where the node private key is kept
func (c *NodeConfig) KeyPath() string {
	return filepath.Join(c.Node.DataDir, "private.key")
}

func (c *ProbeConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c *ProbeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c *RelayConfig) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalSec) * time.Second
}

func (c *RelayConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSec) * time.Second
}

func (c *RelayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

func (c *BrokerClientConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c *NodeConfig) setDefaults() {
	if c.Node.Role == "" {
		c.Node.Role = RoleIsolated
	}
	if c.Node.Country == "" {
		c.Node.Country = "OTHER"
	}
	if c.Node.BandwidthMbps == 0 {
		c.Node.BandwidthMbps = 5
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "data"
	}
	if c.Broker.RequestTimeout == 0 {
		c.Broker.RequestTimeout = 5
	}
	if c.Proxy.Host == "" {
		c.Proxy.Host = "127.0.0.1"
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 8080
	}
	if c.Probe.IntervalMs == 0 {
		c.Probe.IntervalMs = 2000
	}
	if c.Probe.TimeoutMs == 0 {
		c.Probe.TimeoutMs = 1500
	}
	if c.Heartbeat.IntervalSec == 0 {
		c.Heartbeat.IntervalSec = 15
	}
	if c.Relay.ReportIntervalSec == 0 {
		c.Relay.ReportIntervalSec = 30
	}
	if c.Relay.MinReportBytes == 0 {
		c.Relay.MinReportBytes = 1000
	}
	if c.Relay.DialTimeoutSec == 0 {
		c.Relay.DialTimeoutSec = 10
	}
	if c.Relay.HandshakeTimeoutSec == 0 {
		c.Relay.HandshakeTimeoutSec = 15
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueSQLite
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
