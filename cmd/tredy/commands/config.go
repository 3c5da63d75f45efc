package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tofut/tredy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage tredy configuration.

Subcommands:
  show                   Show the effective configuration
  get <key>              Show one value
  set <key> <value>      Set a value
  init                   Write a config file with the defaults
  path                   Show config file path`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		masked := maskSecrets(cfg)

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(masked)
		}
		return toml.NewEncoder(os.Stdout).Encode(masked)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one configuration value",
	Long: `Show one configuration value.

Examples:
  tredy config get client.base_url
  tredy config get provider.anthropic.model`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		value := getConfigValue(maskSecrets(cfg), args[0])
		if value == nil {
			return fmt.Errorf("key not found: %s", args[0])
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(value)
		}
		fmt.Printf("%v\n", value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Examples:
  tredy config set client.base_url http://127.0.0.1:3001
  tredy config set provider.anthropic.api_key sk-ant-...
  tredy config set backend.store file`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.SaveFile(configPath()); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Exists: %s\n", path)
			return nil
		}
		if err := config.EnsureDirs(); err != nil {
			return err
		}
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		if err := cfg.SaveFile(path); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Created %s\n", path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(configPath())
	},
}

func maskSecrets(cfg *config.Config) *config.Config {
	out := *cfg
	out.Client.APIKey = maskToken(cfg.Client.APIKey)
	out.Provider = make(map[string]config.ProviderConfig, len(cfg.Provider))
	for name, p := range cfg.Provider {
		p.APIKey = maskToken(p.APIKey)
		out.Provider[name] = p
	}
	return &out
}

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

func getConfigValue(cfg *config.Config, key string) any {
	parts := strings.Split(key, ".")

	switch parts[0] {
	case "client":
		if len(parts) == 1 {
			return cfg.Client
		}
		switch parts[1] {
		case "base_url":
			return cfg.Client.BaseURL
		case "api_key":
			return cfg.Client.APIKey
		case "workspace":
			return cfg.Client.Workspace
		case "timeout":
			return cfg.Client.Timeout
		}

	case "agent":
		if len(parts) == 1 {
			return cfg.Agent
		}
		switch parts[1] {
		case "socket_url":
			return cfg.SocketURL()
		case "idle_timeout":
			return cfg.Agent.IdleTimeout
		}

	case "commands":
		if len(parts) == 1 {
			return cfg.Commands
		}
		switch parts[1] {
		case "summarizer":
			return cfg.Commands.Summarizer
		case "provider":
			return cfg.Commands.Provider
		}

	case "provider":
		if len(parts) == 1 {
			return cfg.Provider
		}
		p, ok := cfg.Provider[parts[1]]
		if !ok {
			return nil
		}
		if len(parts) == 2 {
			return p
		}
		switch parts[2] {
		case "api_key":
			return p.APIKey
		case "base_url":
			return p.BaseURL
		case "model":
			return p.Model
		}

	case "backend":
		if len(parts) == 1 {
			return cfg.Backend
		}
		switch parts[1] {
		case "host":
			return cfg.Backend.Host
		case "port":
			return cfg.Backend.Port
		case "provider":
			return cfg.Backend.Provider
		case "store":
			return cfg.Backend.Store
		case "data_dir":
			return cfg.DataDir()
		case "history_limit":
			return cfg.Backend.HistoryLimit
		case "max_agent_turns":
			return cfg.Backend.MaxAgentTurns
		}

	case "logging":
		if len(parts) == 1 {
			return cfg.Logging
		}
		switch parts[1] {
		case "level":
			return cfg.Logging.Level
		case "format":
			return cfg.Logging.Format
		case "file":
			return cfg.Logging.File
		}
	}

	return nil
}

func setConfigValue(cfg *config.Config, key, value string) error {
	parts := strings.Split(key, ".")

	if parts[0] == "provider" {
		if len(parts) != 3 {
			return fmt.Errorf("invalid key: %s (use provider.<name>.<field>)", key)
		}
		p := cfg.Provider[parts[1]]
		switch parts[2] {
		case "api_key":
			p.APIKey = value
		case "base_url":
			p.BaseURL = value
		case "model":
			p.Model = value
		default:
			return fmt.Errorf("unknown field: %s", parts[2])
		}
		cfg.Provider[parts[1]] = p
		return nil
	}

	if len(parts) != 2 {
		return fmt.Errorf("invalid key: %s", key)
	}

	var target *string
	switch key {
	case "client.base_url":
		target = &cfg.Client.BaseURL
	case "client.api_key":
		target = &cfg.Client.APIKey
	case "client.workspace":
		target = &cfg.Client.Workspace
	case "client.timeout":
		target = &cfg.Client.Timeout
	case "agent.socket_url":
		target = &cfg.Agent.SocketURL
	case "agent.idle_timeout":
		target = &cfg.Agent.IdleTimeout
	case "commands.summarizer":
		target = &cfg.Commands.Summarizer
	case "commands.provider":
		target = &cfg.Commands.Provider
	case "backend.host":
		target = &cfg.Backend.Host
	case "backend.provider":
		target = &cfg.Backend.Provider
	case "backend.store":
		target = &cfg.Backend.Store
	case "backend.data_dir":
		target = &cfg.Backend.DataDir
	case "backend.system_prompt":
		target = &cfg.Backend.SystemPrompt
	case "logging.level":
		target = &cfg.Logging.Level
	case "logging.format":
		target = &cfg.Logging.Format
	case "logging.file":
		target = &cfg.Logging.File
	}
	if target != nil {
		*target = value
		return nil
	}

	var num *int
	switch key {
	case "backend.port":
		num = &cfg.Backend.Port
	case "backend.history_limit":
		num = &cfg.Backend.HistoryLimit
	case "backend.max_agent_turns":
		num = &cfg.Backend.MaxAgentTurns
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s must be a number: %w", key, err)
	}
	*num = n
	return nil
}
