// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quietwire/quietwire/transport"
)

// Account identifies the local device and its transport credentials.
type Account struct {
	Number   string `yaml:"number"`
	DeviceID uint32 `yaml:"device_id"`
	// SignalingKey is hex encoded in the file.
	SignalingKey string `yaml:"signaling_key"`
}

// Duration accepts Go duration strings ("55s", "2m") in the file.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Server locates the message server.
type Server struct {
	URL               string   `yaml:"url"`
	DirectoryURL      string   `yaml:"directory_url"`
	AttachmentsURL    string   `yaml:"attachments_url"`
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
}

// Storage locates the local database.
type Storage struct {
	Path string `yaml:"path"`
}

// Metrics configures the metrics endpoint; an empty listen address disables
// it.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
}

// Config is the daemon configuration.
type Config struct {
	Account Account `yaml:"account"`
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
}

// Default returns the built-in defaults. Account and server values have no
// useful defaults and must come from the file or the environment.
func Default() *Config {
	return &Config{
		Account: Account{DeviceID: 1},
		Server: Server{
			KeepaliveInterval: Duration(transport.DefaultKeepaliveInterval),
		},
		Storage: Storage{Path: "quietwire.db"},
		Log:     Log{Level: "info"},
	}
}

// Load reads the configuration file at path, merges it over the defaults and
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QUIETWIRE_NUMBER"); v != "" {
		cfg.Account.Number = v
	}
	if v := os.Getenv("QUIETWIRE_DEVICE_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Account.DeviceID = uint32(id)
		}
	}
	if v := os.Getenv("QUIETWIRE_SIGNALING_KEY"); v != "" {
		cfg.Account.SignalingKey = v
	}
	if v := os.Getenv("QUIETWIRE_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("QUIETWIRE_DIRECTORY_URL"); v != "" {
		cfg.Server.DirectoryURL = v
	}
	if v := os.Getenv("QUIETWIRE_ATTACHMENTS_URL"); v != "" {
		cfg.Server.AttachmentsURL = v
	}
	if v := os.Getenv("QUIETWIRE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("QUIETWIRE_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("QUIETWIRE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the configuration is complete enough to start.
func (c *Config) Validate() error {
	if c.Account.Number == "" {
		return fmt.Errorf("config: account.number is required")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("config: server.url is required")
	}
	if _, err := c.DecodeSignalingKey(); err != nil {
		return err
	}
	if c.Server.KeepaliveInterval <= 0 {
		return fmt.Errorf("config: server.keepalive_interval must be positive")
	}
	return nil
}

// DecodeSignalingKey decodes the hex signaling key.
func (c *Config) DecodeSignalingKey() ([transport.SignalingKeySize]byte, error) {
	var key [transport.SignalingKeySize]byte
	raw, err := hex.DecodeString(c.Account.SignalingKey)
	if err != nil {
		return key, fmt.Errorf("config: account.signaling_key is not valid hex: %w", err)
	}
	if len(raw) != transport.SignalingKeySize {
		return key, fmt.Errorf("config: account.signaling_key must be %d bytes, got %d", transport.SignalingKeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
