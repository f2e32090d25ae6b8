package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultBackend != "opencode" {
		t.Errorf("DefaultBackend = %q, want opencode", cfg.DefaultBackend)
	}
	if cfg.OpenCode.BasePort != 4096 {
		t.Errorf("BasePort = %d, want 4096", cfg.OpenCode.BasePort)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// pick the stdio backend by default
		"default_backend": "claudecode",
		"opencode": {
			"command": "opencode",
			"base_port": 5000, /* dev port */
			"sandbox_image": "agentmux/opencode:latest"
		},
		"limits": {"max_sessions": 8, "event_channel_buffer": 256, "pending_request_ttl_minutes": 60, "idle_backend_minutes": 30}
	}`
	if err := os.WriteFile(filepath.Join(dir, "agentmux.jsonc"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultBackend != "claudecode" {
		t.Errorf("DefaultBackend = %q, want claudecode", cfg.DefaultBackend)
	}
	if cfg.OpenCode.BasePort != 5000 {
		t.Errorf("BasePort = %d, want 5000", cfg.OpenCode.BasePort)
	}
	if cfg.OpenCode.SandboxImage != "agentmux/opencode:latest" {
		t.Errorf("SandboxImage = %q", cfg.OpenCode.SandboxImage)
	}
	if cfg.Limits.MaxSessions != 8 {
		t.Errorf("MaxSessions = %d, want 8", cfg.Limits.MaxSessions)
	}
	// untouched fields keep defaults
	if cfg.Listen != "127.0.0.1:7433" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "agentmux.jsonc"), []byte(`{"default_backend":"codex"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("Load() should reject unknown default_backend")
	}
}

func TestStripComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"line comment", "{\"a\": 1} // trailing", "{\"a\": 1} "},
		{"block comment", `{"a": /* note */ 1}`, `{"a":  1}`},
		{"slashes in string", `{"url": "http://x"}`, `{"url": "http://x"}`},
		{"comment chars in string", `{"s": "a // b"}`, `{"s": "a // b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(stripComments([]byte(tt.input))); got != tt.want {
				t.Errorf("stripComments() = %q, want %q", got, tt.want)
			}
		})
	}
}
