package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all problems found in one pass, so a broken
// config reports everything at once instead of one field per restart.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// ErrInvalidConfig is the sentinel all validation failures wrap.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig checks every section of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.Storage.Path == "" {
		add("storage.path", "must not be empty")
	}
	if c.Model.Path == "" {
		add("model.path", "must not be empty")
	}
	if t := c.Model.ThresholdOverride; t != 0 && (t <= 0 || t >= 1) {
		add("model.threshold_override", "must be in (0, 1) or 0 to use the artifact threshold")
	}

	if c.Baseline.MassCleanupMultiplier <= 1 {
		add("baseline.mass_cleanup_multiplier", "must be greater than 1")
	}
	if c.Baseline.MassCleanupFloor < 1 {
		add("baseline.mass_cleanup_floor", "must be at least 1")
	}
	if c.Baseline.MinHourObservations < 1 {
		add("baseline.min_hour_observations", "must be at least 1")
	}

	if c.Correlation.WindowHours < 1 {
		add("correlation.window_hours", "must be at least 1")
	}
	if c.Correlation.CorroborationBonus < 0 || c.Correlation.CorroborationBonus > 1 {
		add("correlation.corroboration_bonus", "must be in [0, 1]")
	}

	if c.Engine.IntervalSec < 1 {
		add("engine.interval_sec", "must be at least 1")
	}
	if c.Engine.BatchSize < 1 {
		add("engine.batch_size", "must be at least 1")
	}
	if c.Engine.Workers < 1 {
		add("engine.workers", "must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json", "":
	default:
		add("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}
	switch c.Logging.Output {
	case "stdout", "stderr", "file", "both", "":
	default:
		add("logging.output", fmt.Sprintf("unknown output %q", c.Logging.Output))
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		add("logging.file_path", "required when output includes file")
	}
	if c.Logging.MaxSizeMB < 1 {
		add("logging.max_size_mb", "must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, errs.Error())
	}
	return nil
}
