package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tofut/tredy/internal/config"
	"github.com/tofut/tredy/internal/observability"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "tredy",
	Short: "tredy - chat and agent client",
	Long: `tredy talks to a chat server: streamed answers, @agent and @flow runs
with live tool activity, and client-side commands such as /summary.

  tredy serve            Run the reference chat server
  tredy chat             Interactive terminal chat
  tredy ask <message>    One-shot question
  tredy config           Manage configuration`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.tredy/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute(ver string) error {
	version = ver
	return rootCmd.Execute()
}

var version string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tredy %s\n", version)
	},
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.LoadFile(configPath())
}

// setup loads the config and installs the process logger. logFile, when set,
// is used if the config names no log file.
func setup(logFile string) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	file := cfg.Logging.File
	if file == "" {
		file = logFile
	}
	closer, err := observability.Configure(level, cfg.Logging.Format, file)
	if err != nil {
		return nil, err
	}
	logCloser = closer
	return cfg, nil
}
