package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = ""
	cfg.Correlation.WindowHours = 0
	cfg.Engine.Workers = 0
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	for _, field := range []string{"storage.path", "correlation.window_hours", "engine.workers", "logging.level"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error does not mention %s: %v", field, err)
		}
	}
}

func TestValidateThresholdOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.ThresholdOverride = 0 // use artifact's threshold
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero override rejected: %v", err)
	}
	cfg.Model.ThresholdOverride = 0.42
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid override rejected: %v", err)
	}
	cfg.Model.ThresholdOverride = 1.2
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range override accepted")
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[storage]
path = "/var/lib/sentryd/sentryd.db"

[correlation]
window_hours = 24
corroboration_bonus = 0.1

[engine]
workers = 8
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/sentryd/sentryd.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Correlation.WindowHours != 24 {
		t.Errorf("window hours = %d, want 24", cfg.Correlation.WindowHours)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Engine.Workers)
	}
	// Unset fields keep defaults
	if cfg.Engine.BatchSize != 500 {
		t.Errorf("batch size = %d, want default 500", cfg.Engine.BatchSize)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
engine:
  interval_sec: 5
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.IntervalSec != 5 {
		t.Errorf("interval = %d, want 5", cfg.Engine.IntervalSec)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"baseline": {"mass_cleanup_floor": 20}}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Baseline.MassCleanupFloor != 20 {
		t.Errorf("floor = %d, want 20", cfg.Baseline.MassCleanupFloor)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.toml")).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.BatchSize != DefaultConfig().Engine.BatchSize {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[engine]\nworkers = -1\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := NewLoader(path).Load(); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTRYD_STORAGE_PATH", "/custom/db.sqlite")
	t.Setenv("SENTRYD_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Storage.Path != "/custom/db.sqlite" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for fresh path")
	}
	if cfg == nil {
		t.Fatal("nil config")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	// Second call loads the file it just wrote
	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected created=false for existing path")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[engine]\ninterval_sec = 10\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer l.Close()

	changed := make(chan *Config, 1)
	l.OnChange(func(c *Config) { changed <- c })
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("[engine]\ninterval_sec = 99\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.Engine.IntervalSec != 99 {
			t.Errorf("reloaded interval = %d, want 99", cfg.Engine.IntervalSec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}

	if l.Config().Engine.IntervalSec != 99 {
		t.Errorf("Config() not updated after reload")
	}
}

func TestWatchKeepsOldConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[engine]\ninterval_sec = 10\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer l.Close()

	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("[engine]\nworkers = -5\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case err := <-l.Errors():
		if err == nil {
			t.Fatal("nil error from Errors channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invalid reload never reported")
	}

	if l.Config().Engine.IntervalSec != 10 {
		t.Error("invalid reload replaced the running config")
	}
}
