// Package config holds the client configuration: entry defaults, retry
// timing, garbage collection, metrics, and logging. Configuration loads in
// layers: defaults, then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/asyncache/asyncache/internal/metrics"
	"github.com/asyncache/asyncache/pkg/types"
)

// Configuration represents the complete client configuration
type Configuration struct {
	Defaults DefaultsConfig `yaml:"defaults"`
	Retry    RetryConfig    `yaml:"retry"`
	GC       GCConfig       `yaml:"gc"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DefaultsConfig represents the per-entry option defaults applied when an
// entry's own options leave a knob at its zero value
type DefaultsConfig struct {
	StaleTime                time.Duration `yaml:"stale_time"`
	GCTime                   time.Duration `yaml:"gc_time"`
	MaxRetries               int           `yaml:"max_retries"`
	NetworkMode              string        `yaml:"network_mode"`
	DisableStructuralSharing bool          `yaml:"disable_structural_sharing"`
}

// RetryConfig represents producer retry backoff timing
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// GCConfig represents garbage collection settings
type GCConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig represents Prometheus metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Defaults: DefaultsConfig{
			StaleTime:   0,
			GCTime:      5 * time.Minute,
			MaxRetries:  3,
			NetworkMode: string(types.NetworkOnline),
		},
		Retry: RetryConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		GC: GCConfig{
			Enabled:       true,
			SweepInterval: 1 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "asyncache",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
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

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Entry defaults
	if val := os.Getenv("ASYNCACHE_STALE_TIME"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Defaults.StaleTime = duration
		}
	}
	if val := os.Getenv("ASYNCACHE_GC_TIME"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Defaults.GCTime = duration
		}
	}
	if val := os.Getenv("ASYNCACHE_MAX_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			c.Defaults.MaxRetries = retries
		}
	}
	if val := os.Getenv("ASYNCACHE_NETWORK_MODE"); val != "" {
		c.Defaults.NetworkMode = val
	}

	// Retry timing
	if val := os.Getenv("ASYNCACHE_RETRY_INITIAL_DELAY"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Retry.InitialDelay = duration
		}
	}
	if val := os.Getenv("ASYNCACHE_RETRY_MAX_DELAY"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Retry.MaxDelay = duration
		}
	}
	if val := os.Getenv("ASYNCACHE_RETRY_JITTER"); val != "" {
		c.Retry.Jitter = strings.ToLower(val) == "true"
	}

	// GC
	if val := os.Getenv("ASYNCACHE_GC_ENABLED"); val != "" {
		c.GC.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ASYNCACHE_GC_SWEEP_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.GC.SweepInterval = duration
		}
	}

	// Metrics
	if val := os.Getenv("ASYNCACHE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ASYNCACHE_METRICS_NAMESPACE"); val != "" {
		c.Metrics.Namespace = val
	}

	// Logging
	if val := os.Getenv("ASYNCACHE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("ASYNCACHE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
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

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Defaults.StaleTime < 0 {
		return fmt.Errorf("stale_time cannot be negative")
	}
	if c.Defaults.GCTime <= 0 {
		return fmt.Errorf("gc_time must be greater than 0")
	}

	validModes := []string{
		string(types.NetworkOnline),
		string(types.NetworkAlways),
		string(types.NetworkOfflineFirst),
	}
	modeValid := false
	for _, mode := range validModes {
		if c.Defaults.NetworkMode == mode {
			modeValid = true
			break
		}
	}
	if !modeValid {
		return fmt.Errorf("invalid network_mode: %s (must be one of: %s)",
			c.Defaults.NetworkMode, strings.Join(validModes, ", "))
	}

	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry initial_delay must be greater than 0")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry max_delay cannot be less than initial_delay")
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry multiplier must be at least 1.0")
	}

	if c.GC.Enabled && c.GC.SweepInterval <= 0 {
		return fmt.Errorf("gc sweep_interval must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "OFF"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Logging.Level) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// EntryDefaults returns the configured defaults as resolved entry options.
func (c *Configuration) EntryDefaults() types.Options {
	return types.Options{
		StaleTime:                c.Defaults.StaleTime,
		GCTime:                   c.Defaults.GCTime,
		MaxRetries:               c.Defaults.MaxRetries,
		NetworkMode:              types.NetworkMode(c.Defaults.NetworkMode),
		DisableStructuralSharing: c.Defaults.DisableStructuralSharing,
	}
}

// MetricsCollectorConfig returns the metrics section in the collector's form.
func (c *Configuration) MetricsCollectorConfig() metrics.Config {
	return metrics.Config{
		Enabled:   c.Metrics.Enabled,
		Namespace: c.Metrics.Namespace,
	}
}
