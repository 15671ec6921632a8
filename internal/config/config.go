// Package config loads garrison.jsonc.
//
// config.go - settings shapes, defaults and loading
//
// The config file is JSONC (JSON with comments) so deployments can
// annotate their settings. A missing file yields the defaults; a
// malformed file is an error, never a silent fallback.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the expected config file name inside the config dir
const FileName = "garrison.jsonc"

// Config holds all garrison settings
type Config struct {
	Server   ServerConfig   `json:"server"`
	Agents   AgentsConfig   `json:"agents"`
	Runner   RunnerConfig   `json:"runner"`
	Recovery RecoveryConfig `json:"recovery"`
	Cleanup  CleanupConfig  `json:"cleanup"`
	Paths    PathsConfig    `json:"paths"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Address string `json:"address"`
}

// AgentsConfig holds backend defaults
type AgentsConfig struct {
	DefaultBackend string `json:"default_backend"`
	ClaudeModel    string `json:"claude_model"`
	GeminiModel    string `json:"gemini_model"`
}

// RunnerConfig holds process lifecycle settings
type RunnerConfig struct {
	GracePeriodSeconds int  `json:"grace_period_seconds"`
	DisableQueueing    bool `json:"disable_queueing"`
}

// RecoveryConfig holds startup recovery settings
type RecoveryConfig struct {
	ResumeDelaySeconds int `json:"resume_delay_seconds"`
}

// CleanupConfig holds capture retention settings
type CleanupConfig struct {
	Schedule        string  `json:"schedule"`
	RetentionHours  int     `json:"retention_hours"`
	DiskWarnPercent float64 `json:"disk_warn_percent"`
}

// PathsConfig holds filesystem layout settings
type PathsConfig struct {
	DataDir    string `json:"data_dir"`
	LogDir     string `json:"log_dir"`
	CaptureDir string `json:"capture_dir"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8790"},
		Agents: AgentsConfig{
			DefaultBackend: "batch-resume",
			ClaudeModel:    "sonnet",
			GeminiModel:    "gemini-2.5-pro",
		},
		Runner: RunnerConfig{GracePeriodSeconds: 5},
		Recovery: RecoveryConfig{ResumeDelaySeconds: 3},
		Cleanup: CleanupConfig{
			Schedule:        "0 * * * *",
			RetentionHours:  72,
			DiskWarnPercent: 85,
		},
		Paths: PathsConfig{
			DataDir:    "data",
			LogDir:     "logs",
			CaptureDir: filepath.Join("data", "captures"),
		},
	}
}

// Load reads configDir/garrison.jsonc over the defaults. A missing
// file returns the defaults unchanged.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(stripComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	return cfg, nil
}

// GracePeriod returns the stop grace period as a duration
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Runner.GracePeriodSeconds) * time.Second
}

// ResumeDelay returns the recovery resume delay as a duration
func (c *Config) ResumeDelay() time.Duration {
	return time.Duration(c.Recovery.ResumeDelaySeconds) * time.Second
}

// WriteExample writes a commented starter config if none exists
func WriteExample(configDir string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(configDir, FileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(exampleConfig), 0o644)
}

const exampleConfig = `{
  // HTTP listener for /ws, /metrics and /health
  "server": {
    "address": ":8790"
  },

  "agents": {
    // backend used when a spawn request does not name one
    "default_backend": "batch-resume",
    "claude_model": "sonnet",
    "gemini_model": "gemini-2.5-pro"
  },

  "runner": {
    // seconds between SIGTERM and SIGKILL on stop
    "grace_period_seconds": 5,
    "disable_queueing": false
  },

  "recovery": {
    // delay before resuming sessions found dead at startup
    "resume_delay_seconds": 3
  },

  "cleanup": {
    // cron schedule for capture file pruning
    "schedule": "0 * * * *",
    "retention_hours": 72,
    "disk_warn_percent": 85
  },

  "paths": {
    "data_dir": "data",
    "log_dir": "logs",
    "capture_dir": "data/captures"
  }
}
`
