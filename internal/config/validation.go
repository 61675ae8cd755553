package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidConfig is matched by every ValidationErrors value.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// The model may be installed after the config is written.
	return e.Field == "predictor.model_path"
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for i := range e {
		if e[i].IsWarning() {
			out = append(out, e[i])
		}
	}
	return out
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for i := range e {
		if !e[i].IsWarning() {
			out = append(out, e[i])
		}
	}
	return out
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig checks every section and returns the fatal problems as
// ValidationErrors. Warnings are dropped; use Check to see them.
func ValidateConfig(c *Config) error {
	errs := Check(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every validation issue, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateMonitor(&c.Monitor)...)
	errs = append(errs, validatePredictor(&c.Predictor)...)
	errs = append(errs, validateIntervention(&c.Intervention)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors
	if m.TickIntervalMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "monitor.tick_interval_ms",
			Message: "tick interval must be at least 100 ms",
		})
	}
	if m.AnalysisTimeoutMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.analysis_timeout_ms",
			Message: "analysis timeout must be positive",
		})
	}
	if m.ExportSessions && m.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "monitor.data_dir",
			Message: "data directory is required when export_sessions is set",
		})
	}
	return errs
}

func validatePredictor(p *PredictorConfig) ValidationErrors {
	var errs ValidationErrors
	if p.ModelPath == "" {
		errs = append(errs, ValidationError{
			Field:   "predictor.model_path",
			Message: "no model path configured; analysis stays disabled",
		})
	}
	if p.ConnectAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "predictor.connect_attempts",
			Message: "at least one connection attempt is required",
		})
	}
	if p.ConnectIntervalMs < 0 || p.RequestTimeoutMs <= 0 || p.StopTimeoutMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "predictor",
			Message: "intervals and timeouts must be positive",
		})
	}
	return errs
}

func validateIntervention(i *InterventionConfig) ValidationErrors {
	var errs ValidationErrors
	if i.Threshold < 0 || i.Threshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "intervention.threshold",
			Message: fmt.Sprintf("threshold must be between 0 and 1, got %g", i.Threshold),
		})
	}
	if i.CooldownSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "intervention.cooldown_sec",
			Message: "cooldown cannot be negative",
		})
	}
	if i.HistorySize < 1 {
		errs = append(errs, ValidationError{
			Field:   "intervention.history_size",
			Message: "history size must be at least 1",
		})
	}
	if i.NodeID < 0 || i.NodeID > 1023 {
		errs = append(errs, ValidationError{
			Field:   "intervention.node_id",
			Message: "node id must be between 0 and 1023",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch strings.ToLower(l.Format) {
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
				Message: "file path is required when output writes to a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Listen, err),
		}}
	}
	return nil
}
