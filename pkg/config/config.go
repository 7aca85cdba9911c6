// Package config provides configuration handling for the nicshim daemon.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/logging"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Adapter describes the simulated adapter.
	Adapter core.AdapterConfig `json:"adapter" yaml:"adapter"`

	// Capture contains the capture engine limits and timers.
	Capture core.CaptureConfig `json:"capture" yaml:"capture"`

	// Control contains the control channel server configuration.
	Control core.ControlConfig `json:"control" yaml:"control"`

	// WireGuard contains the optional WireGuard medium configuration.
	WireGuard core.WireGuardConfig `json:"wireguard" yaml:"wireguard"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Adapter: core.AdapterConfig{
			Name:          "nic0",
			MTU:           1500,
			MAC:           "02:00:00:00:00:01",
			LinkSpeedMbps: 1000,
			ReceiveQueue:  100,
		},
		Capture: core.CaptureConfig{
			WatchdogIntervalMs: 1000,
			GracePeriodMs:      5000,
		},
		Control: core.ControlConfig{
			Listen:          "127.0.0.1:8470",
			MetricsInterval: 0,
		},
		WireGuard: core.WireGuardConfig{
			ListenPort: 51820,
			MTU:        1420,
			Peers:      []core.WireGuardPeer{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		*dst = val == "true" || val == "1"
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

// LoadFromEnv overlays NICSHIM_* environment variables onto config.
func LoadFromEnv(config *Config) {
	envString("NICSHIM_ADAPTER_NAME", &config.Adapter.Name)
	envInt("NICSHIM_ADAPTER_MTU", &config.Adapter.MTU)
	envString("NICSHIM_ADAPTER_MAC", &config.Adapter.MAC)
	envInt("NICSHIM_ADAPTER_LINK_SPEED", &config.Adapter.LinkSpeedMbps)
	envBool("NICSHIM_DEBUG", &config.Adapter.Debug)

	envInt("NICSHIM_WATCHDOG_INTERVAL_MS", &config.Capture.WatchdogIntervalMs)
	envInt("NICSHIM_GRACE_PERIOD_MS", &config.Capture.GracePeriodMs)
	envInt("NICSHIM_MAX_CAPTURED_FRAMES", &config.Capture.MaxCapturedFrames)
	envInt("NICSHIM_MAX_PENDED_REQUESTS", &config.Capture.MaxPendedRequests)

	envString("NICSHIM_CONTROL_LISTEN", &config.Control.Listen)
	envString("NICSHIM_CONTROL_TOKEN", &config.Control.Token)
	envInt("NICSHIM_METRICS_INTERVAL", &config.Control.MetricsInterval)

	envBool("NICSHIM_WIREGUARD_ENABLED", &config.WireGuard.Enabled)
	envString("NICSHIM_WIREGUARD_PRIVATE_KEY", &config.WireGuard.PrivateKey)
	envInt("NICSHIM_WIREGUARD_LISTEN_PORT", &config.WireGuard.ListenPort)

	envString("NICSHIM_LOGGING_LEVEL", &config.Logging.Level)
	envString("NICSHIM_LOGGING_FILE", &config.Logging.File)
	envInt("NICSHIM_LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	envInt("NICSHIM_LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("NICSHIM_LOGGING_MAX_AGE", &config.Logging.MaxAge)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Adapter.Name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if c.Adapter.MTU <= 0 {
		return fmt.Errorf("invalid adapter MTU: %d", c.Adapter.MTU)
	}
	if c.Adapter.MAC != "" {
		if _, err := net.ParseMAC(c.Adapter.MAC); err != nil {
			return fmt.Errorf("invalid adapter MAC: %w", err)
		}
	}

	if c.Capture.WatchdogIntervalMs < 0 || c.Capture.GracePeriodMs < 0 {
		return fmt.Errorf("watchdog interval and grace period cannot be negative")
	}
	if c.Capture.MaxCapturedFrames < 0 || c.Capture.MaxPendedRequests < 0 {
		return fmt.Errorf("capture limits cannot be negative")
	}

	if _, _, err := net.SplitHostPort(c.Control.Listen); err != nil {
		return fmt.Errorf("invalid control listen address %q: %w", c.Control.Listen, err)
	}

	if c.WireGuard.Enabled {
		if c.WireGuard.PrivateKey == "" {
			return fmt.Errorf("WireGuard private key is required")
		}
		if c.WireGuard.ListenPort <= 0 || c.WireGuard.ListenPort > 65535 {
			return fmt.Errorf("invalid WireGuard listen port: %d", c.WireGuard.ListenPort)
		}
		for _, p := range c.WireGuard.Peers {
			if p.PublicKey == "" {
				return fmt.Errorf("WireGuard peer is missing a public key")
			}
			for _, cidr := range p.AllowedIPs {
				if _, _, err := net.ParseCIDR(cidr); err != nil {
					return fmt.Errorf("invalid allowed IP %q (must be in CIDR notation): %w", cidr, err)
				}
			}
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
