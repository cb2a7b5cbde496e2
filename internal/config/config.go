// Package config handles configuration loading, validation, and hot
// reloading for sentryd.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Model configuration for the anomaly classifier.
	Model ModelConfig `toml:"model" json:"model" yaml:"model"`

	// Baseline configuration for behavioral profiles.
	Baseline BaselineConfig `toml:"baseline" json:"baseline" yaml:"baseline"`

	// Correlation configuration for narrative building.
	Correlation CorrelationConfig `toml:"correlation" json:"correlation" yaml:"correlation"`

	// Engine configuration for the analysis loop.
	Engine EngineConfig `toml:"engine" json:"engine" yaml:"engine"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// ModelConfig holds classifier artifact configuration.
type ModelConfig struct {
	// Path is the path to the trained model artifact (JSON).
	Path string `toml:"path" json:"path" yaml:"path"`

	// ThresholdOverride replaces the artifact's decision threshold when
	// set. Zero means use the artifact's own threshold.
	ThresholdOverride float64 `toml:"threshold_override" json:"threshold_override" yaml:"threshold_override"`
}

// BaselineConfig holds behavioral profile tunables.
type BaselineConfig struct {
	// MassCleanupMultiplier: a day whose deletions exceed this multiple
	// of the historical daily average counts as a mass cleanup.
	MassCleanupMultiplier float64 `toml:"mass_cleanup_multiplier" json:"mass_cleanup_multiplier" yaml:"mass_cleanup_multiplier"`

	// MassCleanupFloor is the minimum deletions a day needs to count as
	// a mass cleanup regardless of the average.
	MassCleanupFloor int `toml:"mass_cleanup_floor" json:"mass_cleanup_floor" yaml:"mass_cleanup_floor"`

	// MinHourObservations is the event count below which a user's hour
	// histogram is too sparse to define typical hours.
	MinHourObservations int `toml:"min_hour_observations" json:"min_hour_observations" yaml:"min_hour_observations"`
}

// CorrelationConfig holds narrative correlation tunables.
type CorrelationConfig struct {
	// WindowHours is the inactivity gap, in hours, beyond which an open
	// narrative stops absorbing new events.
	WindowHours int `toml:"window_hours" json:"window_hours" yaml:"window_hours"`

	// CorroborationBonus inflates a narrative's score per corroborating
	// member, capped at 1.0.
	CorroborationBonus float64 `toml:"corroboration_bonus" json:"corroboration_bonus" yaml:"corroboration_bonus"`
}

// EngineConfig holds analysis loop configuration.
type EngineConfig struct {
	// IntervalSec is how often the daemon runs an analysis pass.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// BatchSize caps how many events one pass pulls.
	BatchSize int `toml:"batch_size" json:"batch_size" yaml:"batch_size"`

	// Workers bounds how many actor partitions run in parallel.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where logs go: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output includes "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the log size in megabytes before rotation.
	MaxSizeMB int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the rotated file age before deletion.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Storage: StorageConfig{
			Path: filepath.Join(dir, "sentryd.db"),
		},
		Model: ModelConfig{
			Path: filepath.Join(dir, "model.json"),
		},
		Baseline: BaselineConfig{
			MassCleanupMultiplier: 3.0,
			MassCleanupFloor:      10,
			MinHourObservations:   10,
		},
		Correlation: CorrelationConfig{
			WindowHours:        48,
			CorroborationBonus: 0.05,
		},
		Engine: EngineConfig{
			IntervalSec: 60,
			BatchSize:   500,
			Workers:     4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "sentryd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// DataDir returns the base sentryd data directory. SENTRYD_DATA_DIR
// overrides; otherwise XDG_DATA_HOME conventions apply.
func DataDir() string {
	if envDir := os.Getenv("SENTRYD_DATA_DIR"); envDir != "" {
		return envDir
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		homeDir, _ := os.UserHomeDir()
		dataHome = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataHome, "sentryd")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// ApplyEnvOverrides applies environment variable overrides.
// Variables are prefixed with SENTRYD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SENTRYD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SENTRYD_MODEL_PATH"); v != "" {
		c.Model.Path = v
	}
	if v := os.Getenv("SENTRYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SENTRYD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("SENTRYD_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SaveConfig writes the configuration to path as TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
