package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultDBFile    = "alto.db"
	defaultOutputDir = "alto-output"
	defaultStateDir  = ".alto"

	envStateDir    = "ALTO_STATE_DIR"
	envDBPath      = "ALTO_DB_PATH"
	envLogLevel    = "ALTO_LOG_LEVEL"
	envMonitorAddr = "ALTO_MONITOR_ADDR"
	envDockerHost  = "ALTO_DOCKER_HOST"
	envOutputDir   = "ALTO_OUTPUT_DIR"
)

// Config holds runtime configuration loaded from environment variables.
// The resolved AgentSpec arrives separately from the external configuration
// layer; these settings cover only the engine's own machinery.
type Config struct {
	StateDir    string
	DBPath      string
	LogLevel    slog.Level
	MonitorAddr string
	DockerHost  string
	OutputDir   string
}

// Load reads configuration from environment variables with sensible defaults.
// The state directory defaults to ~/.alto and holds the resource database
// and provisioned key material.
func Load() Config {
	cfg := Config{
		StateDir:  defaultStateDirPath(),
		LogLevel:  slog.LevelInfo,
		OutputDir: defaultOutputDir,
	}

	if v := os.Getenv(envStateDir); v != "" {
		cfg.StateDir = v
	}
	cfg.DBPath = filepath.Join(cfg.StateDir, defaultDBFile)
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMonitorAddr); v != "" {
		cfg.MonitorAddr = v
	}
	if v := os.Getenv(envDockerHost); v != "" {
		cfg.DockerHost = v
	}
	if v := os.Getenv(envOutputDir); v != "" {
		cfg.OutputDir = v
	}

	return cfg
}

func defaultStateDirPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultStateDir
	}
	return filepath.Join(home, defaultStateDir)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
