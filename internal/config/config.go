// Package config handles configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the tredy configuration.
type Config struct {
	Client   ClientConfig              `toml:"client"`
	Agent    AgentConfig               `toml:"agent"`
	Commands CommandsConfig            `toml:"commands"`
	Provider map[string]ProviderConfig `toml:"provider"`
	Backend  BackendConfig             `toml:"backend"`
	Logging  LoggingConfig             `toml:"logging"`
}

// ClientConfig points the orchestrator at the chat collaborator.
type ClientConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	Workspace string `toml:"workspace"`
	Timeout   string `toml:"timeout"` // connect/response-header timeout, not stream duration
}

// AgentConfig holds agent session settings.
type AgentConfig struct {
	// SocketURL overrides the websocket base; derived from client.base_url when empty.
	SocketURL   string `toml:"socket_url"`
	IdleTimeout string `toml:"idle_timeout"`
}

// CommandsConfig holds client-side command settings.
type CommandsConfig struct {
	// Summarizer is "server" (summarize endpoint) or "provider" (local LLM call).
	Summarizer string `toml:"summarizer"`
	Provider   string `toml:"provider"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// BackendConfig holds settings for the reference chat server.
type BackendConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Provider      string `toml:"provider"`
	Store         string `toml:"store"` // "sqlite" or "file"
	DataDir       string `toml:"data_dir"`
	SystemPrompt  string `toml:"system_prompt"`
	HistoryLimit  int    `toml:"history_limit"`
	MaxAgentTurns int    `toml:"max_agent_turns"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads configuration from the given path, falling back to defaults
// when the file does not exist.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values that are parsed lazily elsewhere.
func (c *Config) Validate() error {
	if _, err := parseDuration(c.Agent.IdleTimeout); err != nil {
		return fmt.Errorf("invalid agent.idle_timeout: %w", err)
	}
	if _, err := parseDuration(c.Client.Timeout); err != nil {
		return fmt.Errorf("invalid client.timeout: %w", err)
	}
	switch c.Commands.Summarizer {
	case "", "server", "provider":
	default:
		return fmt.Errorf("invalid commands.summarizer: %q", c.Commands.Summarizer)
	}
	switch c.Backend.Store {
	case "", "sqlite", "file":
	default:
		return fmt.Errorf("invalid backend.store: %q", c.Backend.Store)
	}
	return nil
}

// IdleTimeout returns the agent idle timeout; zero disables it.
func (c *Config) IdleTimeout() time.Duration {
	d, _ := parseDuration(c.Agent.IdleTimeout)
	return d
}

// ClientTimeout returns the HTTP response-header timeout for the chat client.
func (c *Config) ClientTimeout() time.Duration {
	d, _ := parseDuration(c.Client.Timeout)
	return d
}

// SocketURL returns the websocket base for agent sessions.
func (c *Config) SocketURL() string {
	if c.Agent.SocketURL != "" {
		return strings.TrimRight(c.Agent.SocketURL, "/")
	}
	base := strings.TrimRight(c.Client.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// Addr returns the backend listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.Port)
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if p := os.Getenv("TREDY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(StateDir(), "config.toml")
}

// StateDir returns the tredy state directory.
func StateDir() string {
	if p := os.Getenv("TREDY_STATE_DIR"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tredy")
}

// DataDir returns the backend data directory.
func (c *Config) DataDir() string {
	if c.Backend.DataDir != "" {
		return c.Backend.DataDir
	}
	return filepath.Join(StateDir(), "data")
}

// LogsDir returns the logs directory.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

func defaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			BaseURL:   "http://127.0.0.1:3001",
			Workspace: "default",
			Timeout:   "30s",
		},
		Agent: AgentConfig{
			IdleTimeout: "5m",
		},
		Commands: CommandsConfig{
			Summarizer: "server",
		},
		Provider: make(map[string]ProviderConfig),
		Backend: BackendConfig{
			Host:          "127.0.0.1",
			Port:          3001,
			Store:         "sqlite",
			HistoryLimit:  20,
			MaxAgentTurns: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TREDY_BASE_URL"); v != "" {
		c.Client.BaseURL = v
	}
	if v := os.Getenv("TREDY_API_KEY"); v != "" {
		c.Client.APIKey = v
	}
	if v := os.Getenv("TREDY_WORKSPACE"); v != "" {
		c.Client.Workspace = v
	}
	if v := os.Getenv("TREDY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	providerKeys := map[string]string{
		"anthropic":  "ANTHROPIC_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
		"eachlabs":   "EACHLABS_API_KEY",
	}
	for name, env := range providerKeys {
		if key := os.Getenv(env); key != "" {
			p := c.Provider[name]
			p.APIKey = key
			c.Provider[name] = p
		}
	}
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		if strings.HasPrefix(p, "$HOME/") {
			return filepath.Join(home, p[6:])
		}
		return p
	}

	c.Backend.DataDir = expand(c.Backend.DataDir)
	c.Logging.File = expand(c.Logging.File)
}

// SaveFile writes the config to configPath.
func (c *Config) SaveFile(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}

// EnsureDirs creates necessary directories.
func EnsureDirs() error {
	for _, dir := range []string{StateDir(), LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
