// Package config provides configuration handling for the interface stack daemon.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/ifstack/pkg/core"
	"github.com/irctrakz/ifstack/pkg/device"
	"github.com/irctrakz/ifstack/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Manager configures the interface lifecycle manager.
	Manager core.ManagerConfig `json:"manager" yaml:"manager"`

	// Bridge configures the per-interface bridges.
	Bridge core.BridgeConfig `json:"bridge" yaml:"bridge"`

	// Streaming configures AVB streaming controllers.
	Streaming core.StreamingConfig `json:"streaming" yaml:"streaming"`

	// Devices lists the devices to publish at startup.
	Devices []core.DeviceConfig `json:"devices" yaml:"devices"`

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

// DefaultConfig returns the default configuration: two simulated Ethernet
// controllers, one of them with streaming enabled.
func DefaultConfig() *Config {
	return &Config{
		Manager: core.ManagerConfig{
			DetachQueueWarn: 64,
		},
		Bridge: core.BridgeConfig{
			InputQueueLimit: 32,
			Tap: core.TapConfig{
				SnapLen: 65535,
			},
		},
		Streaming: core.StreamingConfig{
			PollInterval: 20 * time.Millisecond,
			MaxEgressID:  0xffff,
		},
		Devices: []core.DeviceConfig{
			{Kind: "mock", Name: "en", HardwareAddr: "02:00:00:00:00:01", MTU: 1500},
			{Kind: "mock", Name: "en", HardwareAddr: "02:00:00:00:00:02", MTU: 1500, Streaming: true},
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a .json, .yaml or .yml file.
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
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

// LoadFromEnv overrides configuration from IFSTACK_* environment variables.
// Malformed numeric values are ignored.
func LoadFromEnv(config *Config) {
	if val, ok := envInt("IFSTACK_DETACH_QUEUE_WARN"); ok {
		config.Manager.DetachQueueWarn = val
	}
	if val, ok := envInt("IFSTACK_INPUT_QUEUE_LIMIT"); ok {
		config.Bridge.InputQueueLimit = val
	}
	if val := os.Getenv("IFSTACK_TAP_FILE"); val != "" {
		config.Bridge.Tap.File = val
	}
	if val := os.Getenv("IFSTACK_TAP_ETHERTYPES"); val != "" {
		if types, err := ParseEtherTypes(val); err == nil {
			config.Bridge.Tap.EtherTypes = types
		}
	}
	if val, ok := envInt("IFSTACK_TAP_SNAPLEN"); ok {
		config.Bridge.Tap.SnapLen = val
	}
	if val := os.Getenv("IFSTACK_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Streaming.PollInterval = d
		}
	}
	if val := os.Getenv("IFSTACK_MAX_EGRESS_ID"); val != "" {
		if n, err := strconv.ParseUint(val, 0, 16); err == nil {
			config.Streaming.MaxEgressID = uint16(n)
		}
	}

	if val := os.Getenv("IFSTACK_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("IFSTACK_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
	if val, ok := envInt("IFSTACK_LOG_MAX_SIZE"); ok {
		config.Logging.MaxSize = val
	}
	if val, ok := envInt("IFSTACK_LOG_MAX_BACKUPS"); ok {
		config.Logging.MaxBackups = val
	}
	if val, ok := envInt("IFSTACK_LOG_MAX_AGE"); ok {
		config.Logging.MaxAge = val
	}
}

func envInt(key string) (int, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseEtherTypes parses a comma separated list such as "0x0800,0x86dd".
func ParseEtherTypes(s string) ([]uint16, error) {
	var out []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid ethertype %q: %w", f, err)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Manager.DetachQueueWarn < 0 {
		return fmt.Errorf("invalid detach queue warning threshold: %d", c.Manager.DetachQueueWarn)
	}
	if c.Bridge.InputQueueLimit < 0 {
		return fmt.Errorf("invalid input queue limit: %d", c.Bridge.InputQueueLimit)
	}
	if c.Bridge.Tap.SnapLen < 0 {
		return fmt.Errorf("invalid tap snap length: %d", c.Bridge.Tap.SnapLen)
	}
	if c.Streaming.PollInterval < 0 {
		return fmt.Errorf("invalid streaming poll interval: %s", c.Streaming.PollInterval)
	}

	fixed := make(map[string]bool)
	for i, d := range c.Devices {
		if err := validateDevice(d); err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
		if d.FixedUnit {
			key := fmt.Sprintf("%s%d", device.PrefixFromName(d.Name), d.Unit)
			if fixed[key] {
				return fmt.Errorf("device %d: fixed unit %s requested twice", i, key)
			}
			fixed[key] = true
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func validateDevice(d core.DeviceConfig) error {
	switch d.Kind {
	case "mock":
		if device.PrefixFromName(d.Name) == "" {
			return fmt.Errorf("name %q does not start with an interface prefix", d.Name)
		}
		if d.HardwareAddr != "" {
			if _, err := net.ParseMAC(d.HardwareAddr); err != nil {
				return fmt.Errorf("invalid hardware address: %w", err)
			}
		}
	case "tun", "memtun":
		if d.Name == "" {
			return fmt.Errorf("TUN name cannot be empty")
		}
		if d.Streaming {
			return fmt.Errorf("streaming requires an Ethernet device")
		}
	default:
		return fmt.Errorf("unknown device kind %q", d.Kind)
	}
	if d.MTU != 0 && (d.MTU < 68 || d.MTU > 65535) {
		return fmt.Errorf("invalid MTU: %d", d.MTU)
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

// SaveToFile saves the configuration to a .json, .yaml or .yml file.
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
