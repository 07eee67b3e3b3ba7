package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// MaxInstances is the number of filesystem instances the coordinator can
// manage. Each instance binds one partition of a flash device.
const MaxInstances = 3

// Configuration represents the complete FlashFS configuration.
type Configuration struct {
	Instances []InstanceConfig `yaml:"instances"`
	Suspend   SuspendConfig    `yaml:"suspend"`
	Record    RecordConfig     `yaml:"record"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// InstanceConfig describes one filesystem instance and the engine geometry
// used to mount it.
type InstanceConfig struct {
	// Partition is the logical partition number handed to the flash driver.
	Partition int `yaml:"partition"`
	// PageSize is the engine's logical page size in bytes.
	PageSize uint32 `yaml:"page_size"`
	// BlockSize is the engine's logical block size in bytes. Must be a
	// multiple of PageSize.
	BlockSize uint32 `yaml:"block_size"`
}

// SuspendConfig controls automatic power-saving suspension of the flash
// device.
type SuspendConfig struct {
	Enabled bool `yaml:"enabled"`
	// Debounce is the quiet period after the last access before the device
	// is suspended. Any new access restarts the window.
	Debounce time.Duration `yaml:"debounce"`
}

// RecordConfig controls the async record worker.
type RecordConfig struct {
	// QueueDepth is the capacity of each of the write and read job queues.
	QueueDepth int `yaml:"queue_depth"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// NewDefault returns a configuration with sensible defaults: a single
// instance on partition 0 with SPIFFS-style geometry, suspend management
// enabled, and metrics disabled.
func NewDefault() *Configuration {
	return &Configuration{
		Instances: []InstanceConfig{
			{
				Partition: 0,
				PageSize:  256,
				BlockSize: 32 * 1024,
			},
		},
		Suspend: SuspendConfig{
			Enabled:  true,
			Debounce: 3 * time.Second,
		},
		Record: RecordConfig{
			QueueDepth: 8,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("FLASHFS_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("FLASHFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}
	if val := os.Getenv("FLASHFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("FLASHFS_SUSPEND_DEBOUNCE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Suspend.Debounce = d
		}
	}
	if val := os.Getenv("FLASHFS_RECORD_QUEUE_DEPTH"); val != "" {
		if depth, err := strconv.Atoi(val); err == nil {
			c.Record.QueueDepth = depth
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one instance must be configured")
	}
	if len(c.Instances) > MaxInstances {
		return fmt.Errorf("at most %d instances are supported, got %d", MaxInstances, len(c.Instances))
	}

	seen := make(map[int]bool)
	for i, inst := range c.Instances {
		if inst.Partition < 0 {
			return fmt.Errorf("instance %d: partition must not be negative", i)
		}
		if seen[inst.Partition] {
			return fmt.Errorf("instance %d: partition %d configured twice", i, inst.Partition)
		}
		seen[inst.Partition] = true

		if inst.PageSize == 0 {
			return fmt.Errorf("instance %d: page_size must be greater than 0", i)
		}
		if inst.BlockSize == 0 {
			return fmt.Errorf("instance %d: block_size must be greater than 0", i)
		}
		if inst.BlockSize%inst.PageSize != 0 {
			return fmt.Errorf("instance %d: block_size %d is not a multiple of page_size %d",
				i, inst.BlockSize, inst.PageSize)
		}
	}

	if c.Suspend.Enabled && c.Suspend.Debounce <= 0 {
		return fmt.Errorf("suspend.debounce must be greater than 0 when suspend is enabled")
	}

	if c.Record.QueueDepth < 1 {
		return fmt.Errorf("record.queue_depth must be at least 1")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.Logging.Level) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	return nil
}
