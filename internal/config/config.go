// Package config handles configuration loading, validation, and
// persistence for the Bastion gateway.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5800
	DefaultLogPort    = 27100
)

// Config is the root configuration structure for Bastion.
type Config struct {
	mu   sync.RWMutex
	path string

	Gateway         GatewayData     `json:"gateway"`
	ApplicationData ApplicationData `json:"application_data"`
}

// GatewayData contains the gateway's network and protocol settings.
type GatewayData struct {
	// Ports
	APIPort int `json:"api_port"`
	LogPort int `json:"log_listen_port"`

	// Protocol timeouts, in seconds
	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	CommandTimeoutSec int `json:"command_timeout_sec"`
	QueryTimeoutSec   int `json:"query_timeout_sec"`

	// Session limits
	MaxSessions int `json:"max_sessions"`

	// Servers polled by the background monitor
	Monitor []MonitorTarget `json:"monitor"`
}

// MonitorTarget is one game server on the background monitor watch list.
type MonitorTarget struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns host:port for display and map keys.
func (t MonitorTarget) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ApplicationData contains application-level configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds background task interval settings.
type TimerConfig struct {
	MonitorIntervalSec int `json:"monitor_interval_sec"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	ClientID  string `json:"client_id"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// Default returns a configuration populated with sane defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayData{
			APIPort:           DefaultAPIPort,
			LogPort:           DefaultLogPort,
			ConnectTimeoutSec: 10,
			CommandTimeoutSec: 10,
			QueryTimeoutSec:   5,
			MaxSessions:       32,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				MonitorIntervalSec: 60,
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    8883,
			},
			Security: SecurityConfig{
				RateLimitRPS: 20,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads the configuration file from dir, creating it with defaults
// on first run.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, DefaultConfigFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info().Str("path", path).Msg("no configuration found, writing defaults")
		cfg := Default()
		cfg.path = path
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.path = path

	return cfg, nil
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	path := c.path
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// GetGateway returns a copy of the gateway settings.
func (c *Config) GetGateway() GatewayData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// SetGateway replaces the gateway settings.
func (c *Config) SetGateway(data GatewayData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = data
}
