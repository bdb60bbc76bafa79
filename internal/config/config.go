// Package config handles configuration loading, validation, and hot reload
// for chatterfix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chatterfix/internal/logging"
)

// Environment variables that override the config file.
const (
	EnvDevice        = "CHATTERFIX_DEVICE"
	EnvThresholdMs   = "CHATTERFIX_THRESHOLD_MS"
	EnvLogLevel      = "CHATTERFIX_LOG_LEVEL"
	EnvStatsPath     = "CHATTERFIX_STATS_PATH"
	EnvMetricsListen = "CHATTERFIX_METRICS_LISTEN"
)

// Config holds the complete daemon configuration.
type Config struct {
	// ID is matched as a substring against input device names.
	ID string `toml:"id" json:"id" yaml:"id"`

	// Threshold is the debounce threshold in milliseconds.
	Threshold int `toml:"threshold" json:"threshold" yaml:"threshold"`

	// VirtualName is the name of the uinput device that replays events.
	VirtualName string `toml:"virtual_name" json:"virtual_name" yaml:"virtual_name"`

	// Reconnect waits for the keyboard to come back after it disappears.
	Reconnect bool `toml:"reconnect" json:"reconnect" yaml:"reconnect"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	Stats   StatsConfig   `toml:"stats" json:"stats" yaml:"stats"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
	DBus    DBusConfig    `toml:"dbus" json:"dbus" yaml:"dbus"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// StatsConfig controls the chatter statistics database.
type StatsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// MetricsConfig controls the HTTP metrics and health endpoint.
type MetricsConfig struct {
	// Listen is a host:port address. Empty disables the endpoint.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DBusConfig controls the D-Bus status and control service.
type DBusConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Bus is "session" or "system".
	Bus string `toml:"bus" json:"bus" yaml:"bus"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ID:          DefaultDeviceID,
		Threshold:   DefaultThresholdMs,
		VirtualName: DefaultVirtualName,
		Reconnect:   true,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   DefaultLogPath(),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Stats: StatsConfig{
			Enabled: true,
			Path:    DefaultStatsPath(),
		},
		DBus: DBusConfig{
			Enabled: false,
			Bus:     DefaultBus,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies CHATTERFIX_* environment variables. Values that
// cannot be parsed are reported and leave the field unchanged.
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidationErrors

	if v := os.Getenv(EnvDevice); v != "" {
		c.ID = v
	}
	if v := os.Getenv(EnvThresholdMs); v != "" {
		ms, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "ms"))
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   EnvThresholdMs,
				Message: fmt.Sprintf("not a number of milliseconds: %q", v),
			})
		} else {
			c.Threshold = ms
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvStatsPath); v != "" {
		c.Stats.Path = v
	}
	if v := os.Getenv(EnvMetricsListen); v != "" {
		c.Metrics.Listen = v
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// ThresholdDuration returns the threshold as a time.Duration.
func (c *Config) ThresholdDuration() time.Duration {
	return time.Duration(c.Threshold) * time.Millisecond
}

// LoggingConfig converts the [logging] section for the logging package.
func (c *Config) LoggingConfig() *logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = level
	}
	if format, err := logging.ParseFormat(c.Logging.Format); err == nil {
		cfg.Format = format
	}
	if c.Logging.Output != "" {
		cfg.Output = c.Logging.Output
	}
	if c.Logging.FilePath != "" {
		cfg.FilePath = c.Logging.FilePath
	}
	cfg.MaxSize = int64(c.Logging.MaxSizeMB)
	cfg.MaxBackups = c.Logging.MaxBackups
	cfg.MaxAge = c.Logging.MaxAgeDays
	cfg.Compress = c.Logging.Compress
	return cfg
}
