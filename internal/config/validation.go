package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ValidateConfig reports every problem in c at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Threshold < MinThresholdMs || c.Threshold > MaxThresholdMs {
		errs = append(errs, ValidationError{
			Field:   "threshold",
			Message: fmt.Sprintf("must be between %d and %d ms, got %d", MinThresholdMs, MaxThresholdMs, c.Threshold),
		})
	}
	if strings.TrimSpace(c.VirtualName) == "" {
		errs = append(errs, ValidationError{
			Field:   "virtual_name",
			Message: "virtual device name is required",
		})
	}

	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateStats(&c.Stats)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateDBus(&c.DBus)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is %q", l.Output),
			})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{
				Field:   "logging.max_size_mb",
				Message: "max size must be at least 1 MB",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateStats(s *StatsConfig) ValidationErrors {
	if !s.Enabled {
		return nil
	}
	if s.Path == "" {
		return ValidationErrors{{Field: "stats.path", Message: "database path is required when stats are enabled"}}
	}
	if s.Path != ":memory:" && !filepath.IsAbs(s.Path) {
		return ValidationErrors{{Field: "stats.path", Message: fmt.Sprintf("must be absolute: %s", s.Path)}}
	}
	return nil
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{Field: "metrics.listen", Message: fmt.Sprintf("invalid address %q: %v", m.Listen, err)}}
	}
	return nil
}

func validateDBus(d *DBusConfig) ValidationErrors {
	switch d.Bus {
	case "session", "system":
		return nil
	default:
		return ValidationErrors{{Field: "dbus.bus", Message: fmt.Sprintf("invalid bus: %s (valid: session, system)", d.Bus)}}
	}
}
