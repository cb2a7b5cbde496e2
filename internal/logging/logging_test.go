package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestNewRejectsUnknownOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "syslog"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unknown output")
	}
}

func TestFileOutputWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentryd.log")
	cfg := &Config{
		Level:      LevelInfo,
		Format:     FormatJSON,
		Output:     "file",
		FilePath:   path,
		MaxSize:    10,
		MaxAge:     1,
		MaxBackups: 1,
		Component:  "test",
	}

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Info("analysis pass complete", "analyzed", 42)
	l.Debug("suppressed below level")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("log lines = %d, want 1 (debug suppressed)", len(lines))
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if entry["msg"] != "analysis pass complete" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "test" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["analyzed"] != float64(42) {
		t.Errorf("analyzed = %v", entry["analyzed"])
	}
}

func TestWithComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentryd.log")
	cfg := &Config{
		Level:    LevelInfo,
		Format:   FormatJSON,
		Output:   "file",
		FilePath: path,
		MaxSize:  10,
	}

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	child := l.WithComponent("engine")
	child.Info("hello")
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"component":"engine"`) {
		t.Errorf("child component missing: %s", data)
	}
}

func TestRotatorSizeRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentryd.log")
	cfg := &Config{
		FilePath:   path,
		MaxSize:    0, // any write triggers rotation
		MaxAge:     30,
		MaxBackups: 10,
	}

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}
	defer r.Close()

	for i := 0; i < 3; i++ {
		if _, err := r.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "sentryd-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 {
		t.Error("expected rotated files")
	}
}
