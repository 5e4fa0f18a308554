// Package config loads the YAML file that configures a tcpnukleus
// instance: reactor tuning, slot pool sizing, and the control-plane,
// metrics, and logging endpoints.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration tree.
type Config struct {
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	WriteSpinCount   int           `yaml:"write_spin_count"`
	SlotSize         int           `yaml:"slot_size"`
	SlotPoolCapacity int           `yaml:"slot_pool_capacity"`
	Control          Control       `yaml:"control"`
	Metrics          Metrics       `yaml:"metrics"`
	Logging          Logging       `yaml:"logging"`
}

// Control configures the control-plane listener (spec component J).
type Control struct {
	Socket string `yaml:"socket"`
}

// Metrics configures the Prometheus HTTP exporter.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates the YAML file at path, filling in defaults for
// any field the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.WriteSpinCount == 0 {
		c.WriteSpinCount = 4
	}
	if c.WriteSpinCount < 2 {
		return fmt.Errorf("write_spin_count must be >= 2, got %d", c.WriteSpinCount)
	}
	if c.SlotSize <= 0 {
		c.SlotSize = 65536
	}
	if c.SlotPoolCapacity <= 0 {
		c.SlotPoolCapacity = 256
	}
	if c.Control.Socket == "" {
		c.Control.Socket = "/var/run/tcpnukleus/control.sock"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
