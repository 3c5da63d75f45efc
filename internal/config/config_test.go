package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile_Defaults(t *testing.T) {
	t.Setenv("TREDY_BASE_URL", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if cfg.Client.Workspace != "default" {
		t.Errorf("Workspace = %q, want default", cfg.Client.Workspace)
	}
	if got := cfg.IdleTimeout(); got != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", got)
	}
	if cfg.Backend.Store != "sqlite" {
		t.Errorf("Store = %q, want sqlite", cfg.Backend.Store)
	}
}

func TestLoadFile_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[client]
base_url = "https://chat.example.com/"
workspace = "sales"

[agent]
idle_timeout = "90s"

[provider.anthropic]
model = "claude-sonnet-4-20250514"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TREDY_BASE_URL", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if cfg.Client.Workspace != "sales" {
		t.Errorf("Workspace = %q, want sales", cfg.Client.Workspace)
	}
	if got := cfg.IdleTimeout(); got != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", got)
	}
	if got := cfg.SocketURL(); got != "wss://chat.example.com" {
		t.Errorf("SocketURL = %q, want wss://chat.example.com", got)
	}
	p := cfg.Provider["anthropic"]
	if p.APIKey != "sk-test" || p.Model != "claude-sonnet-4-20250514" {
		t.Errorf("anthropic provider = %+v", p)
	}
}

func TestLoadFile_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[agent]\nidle_timeout = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for invalid idle_timeout")
	}
}
