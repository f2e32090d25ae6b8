// Package config loads daemon configuration from agentmux.jsonc.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Config holds all daemon settings.
type Config struct {
	// Listen is the RPC server address; /metrics and /health are served
	// on the same listener.
	Listen  string `json:"listen"`
	LogDir  string `json:"log_dir"`
	DataDir string `json:"data_dir"`

	// DefaultBackend selects the backend kind for sessions that do not
	// request one explicitly ("opencode" or "claudecode").
	DefaultBackend string `json:"default_backend"`

	OpenCode   OpenCodeConfig   `json:"opencode"`
	ClaudeCode ClaudeCodeConfig `json:"claudecode"`
	Limits     LimitsConfig     `json:"limits"`
	Janitor    JanitorConfig    `json:"janitor"`
}

// OpenCodeConfig configures the subprocess-server backend.
type OpenCodeConfig struct {
	// Command launches the server; defaults to "opencode".
	Command string `json:"command"`
	// BasePort is the first port tried when spawning a server per worktree.
	BasePort int `json:"base_port"`
	// SandboxImage, when set, runs the server inside a Docker container
	// with the worktree bind-mounted instead of as a local subprocess.
	SandboxImage string `json:"sandbox_image"`
	DefaultModel string `json:"default_model"`
}

// ClaudeCodeConfig configures the SDK/stdio backend.
type ClaudeCodeConfig struct {
	Command      string   `json:"command"`
	Args         []string `json:"args"`
	DefaultModel string   `json:"default_model"`
}

// LimitsConfig bounds orchestrator resources.
type LimitsConfig struct {
	MaxSessions        int `json:"max_sessions"`
	EventChannelBuffer int `json:"event_channel_buffer"`
	// PendingRequestTTLMinutes is how long an unresolved pending request
	// may live before the janitor purges it as orphaned.
	PendingRequestTTLMinutes int `json:"pending_request_ttl_minutes"`
	// IdleBackendMinutes is how long a zero-session backend process may
	// linger before the janitor tears it down.
	IdleBackendMinutes int `json:"idle_backend_minutes"`
}

// JanitorConfig holds cron specs for the background sweeps.
type JanitorConfig struct {
	PendingSweep string `json:"pending_sweep"`
	BackendSweep string `json:"backend_sweep"`
	RecordSweep  string `json:"record_sweep"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:         "127.0.0.1:7433",
		LogDir:         "logs",
		DataDir:        "data",
		DefaultBackend: "opencode",
		OpenCode: OpenCodeConfig{
			Command:  "opencode",
			BasePort: 4096,
		},
		ClaudeCode: ClaudeCodeConfig{
			Command: "claude",
			Args:    []string{"--input-format", "stream-json", "--output-format", "stream-json"},
		},
		Limits: LimitsConfig{
			MaxSessions:              64,
			EventChannelBuffer:       256,
			PendingRequestTTLMinutes: 60,
			IdleBackendMinutes:       30,
		},
		Janitor: JanitorConfig{
			PendingSweep: "@every 1m",
			BackendSweep: "@every 5m",
			RecordSweep:  "@every 1h",
		},
	}
}

// Load reads agentmux.jsonc from dir, layering file values over defaults.
// A missing file is not an error; the defaults apply.
func Load(dir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dir, "agentmux.jsonc")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(stripComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DefaultBackend {
	case "opencode", "claudecode":
	default:
		return fmt.Errorf("default_backend must be opencode or claudecode, got %q", c.DefaultBackend)
	}
	if c.Limits.MaxSessions <= 0 {
		return fmt.Errorf("limits.max_sessions must be positive")
	}
	if c.OpenCode.BasePort <= 0 || c.OpenCode.BasePort > 65535 {
		return fmt.Errorf("opencode.base_port out of range: %d", c.OpenCode.BasePort)
	}
	return nil
}
