// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Transport  TransportConfig  `yaml:"transport"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Stats      StatsConfig      `yaml:"stats"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN, used as the EHLO name
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // Default: 60s
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"` // BoltDB file path
}

// EncryptionConfig contains envelope encryption settings
type EncryptionConfig struct {
	// MasterKey is a base64-encoded 32-byte key used to bootstrap the
	// key store. Empty means a random initial key is generated.
	MasterKey string `yaml:"master_key"`
}

// DispatcherConfig contains delivery loop settings
type DispatcherConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`    // Default: 1m
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"` // Default: 2m
}

// TransportConfig selects and configures the delivery transport
type TransportConfig struct {
	// Mode is "smtp" for relay delivery or "console" for development.
	Mode string          `yaml:"mode"`
	SMTP RelaySMTPConfig `yaml:"smtp"`
}

// RelaySMTPConfig contains upstream relay settings
type RelaySMTPConfig struct {
	Addr     string        `yaml:"addr"` // host:port of the relay
	From     string        `yaml:"from"` // envelope sender
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	StartTLS bool          `yaml:"starttls"`
	Timeout  time.Duration `yaml:"timeout"` // Default: 30s
}

// AdmissionConfig contains rate limiting and IP filtering settings
type AdmissionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Requests      int           `yaml:"requests"`       // Default: 100 per period
	Period        time.Duration `yaml:"period"`         // Default: 1m
	BlockDuration time.Duration `yaml:"block_duration"` // Default: 5m
	PruneInterval time.Duration `yaml:"prune_interval"` // Default: 1m
	AllowedIPs    []string      `yaml:"allowed_ips"`    // empty = allow all
	DeniedIPs     []string      `yaml:"denied_ips"`
}

// StatsConfig contains statistics aggregation settings
type StatsConfig struct {
	RealtimeTTL     time.Duration `yaml:"realtime_ttl"`     // Default: 5m
	RefreshInterval time.Duration `yaml:"refresh_interval"` // Default: 1m
	DashboardDays   int           `yaml:"dashboard_days"`   // Default: 7
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"`      // Default: :9090
	Path            string        `yaml:"path"`             // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"` // Default: 15s
	AllowedIPs      []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/chronomail/capsules.db"
	}

	if c.Dispatcher.TickInterval == 0 {
		c.Dispatcher.TickInterval = time.Minute
	}
	if c.Dispatcher.DeliveryTimeout == 0 {
		c.Dispatcher.DeliveryTimeout = 2 * time.Minute
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = "console"
	}
	if c.Transport.SMTP.Timeout == 0 {
		c.Transport.SMTP.Timeout = 30 * time.Second
	}

	if c.Admission.Requests == 0 {
		c.Admission.Requests = 100
	}
	if c.Admission.Period == 0 {
		c.Admission.Period = time.Minute
	}
	if c.Admission.BlockDuration == 0 {
		c.Admission.BlockDuration = 5 * time.Minute
	}
	if c.Admission.PruneInterval == 0 {
		c.Admission.PruneInterval = time.Minute
	}

	if c.Stats.RealtimeTTL == 0 {
		c.Stats.RealtimeTTL = 5 * time.Minute
	}
	if c.Stats.RefreshInterval == 0 {
		c.Stats.RefreshInterval = time.Minute
	}
	if c.Stats.DashboardDays == 0 {
		c.Stats.DashboardDays = 7
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "console":
	case "smtp":
		if c.Transport.SMTP.Addr == "" {
			return fmt.Errorf("transport.smtp.addr is required when transport.mode is smtp")
		}
		if c.Transport.SMTP.From == "" {
			return fmt.Errorf("transport.smtp.from is required when transport.mode is smtp")
		}
	default:
		return fmt.Errorf("invalid transport.mode: %s (must be smtp or console)", c.Transport.Mode)
	}

	if c.Admission.Enabled && c.Admission.Requests < 0 {
		return fmt.Errorf("admission.requests must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
