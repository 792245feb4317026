package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envStateDir, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")
	t.Setenv(envMonitorAddr, "")
	t.Setenv(envDockerHost, "")
	t.Setenv(envOutputDir, "")

	cfg := Load()

	if cfg.StateDir == "" {
		t.Error("StateDir is empty")
	}
	if filepath.Base(cfg.StateDir) != defaultStateDir {
		t.Errorf("StateDir = %q, want a %q directory", cfg.StateDir, defaultStateDir)
	}
	if cfg.DBPath != filepath.Join(cfg.StateDir, defaultDBFile) {
		t.Errorf("DBPath = %q, want it under the state dir", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.MonitorAddr != "" {
		t.Errorf("MonitorAddr = %q, want disabled by default", cfg.MonitorAddr)
	}
	if cfg.OutputDir != defaultOutputDir {
		t.Errorf("OutputDir = %q, want %q", cfg.OutputDir, defaultOutputDir)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envStateDir, "/tmp/alto-state")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envMonitorAddr, ":9090")
	t.Setenv(envDockerHost, "tcp://127.0.0.1:2375")
	t.Setenv(envOutputDir, "/tmp/out")

	cfg := Load()

	if cfg.StateDir != "/tmp/alto-state" {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, "/tmp/alto-state")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.MonitorAddr != ":9090" {
		t.Errorf("MonitorAddr = %q, want %q", cfg.MonitorAddr, ":9090")
	}
	if cfg.DockerHost != "tcp://127.0.0.1:2375" {
		t.Errorf("DockerHost = %q, want %q", cfg.DockerHost, "tcp://127.0.0.1:2375")
	}
	if cfg.OutputDir != "/tmp/out" {
		t.Errorf("OutputDir = %q, want %q", cfg.OutputDir, "/tmp/out")
	}
}

func TestDBPathFollowsStateDir(t *testing.T) {
	t.Setenv(envStateDir, "/tmp/custom-state")
	t.Setenv(envDBPath, "")

	cfg := Load()

	want := filepath.Join("/tmp/custom-state", defaultDBFile)
	if cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
