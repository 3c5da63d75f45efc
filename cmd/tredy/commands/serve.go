package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tofut/tredy/internal/backend"
	"github.com/tofut/tredy/internal/config"
	"github.com/tofut/tredy/internal/observability"
	"github.com/tofut/tredy/internal/provider"
	"github.com/tofut/tredy/internal/store"
	"github.com/tofut/tredy/internal/tool"
)

var (
	servePort     int
	serveProvider string
	serveStore    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference chat server",
	Long: `Run the chat server the client talks to. Answers come from the configured
LLM provider; threads are kept in SQLite or JSON files under the data dir.

Examples:
  tredy serve
  tredy serve --port 8080 --provider openrouter
  tredy serve --store file`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default: backend.port)")
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "provider: anthropic, openrouter, eachlabs, openai (default: auto-detect)")
	serveCmd.Flags().StringVar(&serveStore, "store", "", "thread store: sqlite or file (default: backend.store)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup("")
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Backend.Port = servePort
	}
	if serveStore != "" {
		cfg.Backend.Store = serveStore
	}

	name := serveProvider
	if name == "" {
		name = detectProvider(cfg)
	}
	prov, err := newProvider(cfg, name)
	if err != nil {
		return fmt.Errorf("failed to create %s provider: %w", name, err)
	}

	st, err := store.Open(cfg.Backend.Store, cfg.DataDir())
	if err != nil {
		return err
	}
	defer st.Close()

	srv := backend.New(backend.Config{
		Provider:      prov,
		Store:         st,
		Tools:         tool.DefaultRegistry(),
		APIKey:        cfg.Client.APIKey,
		SystemPrompt:  cfg.Backend.SystemPrompt,
		HistoryLimit:  cfg.Backend.HistoryLimit,
		MaxAgentTurns: cfg.Backend.MaxAgentTurns,
		Logger:        observability.Logger(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Serving on http://%s (provider: %s, model: %s, store: %s)\n",
		cfg.Addr(), prov.Name(), prov.Model(), cfg.Backend.Store)
	return srv.ListenAndServe(ctx, cfg.Addr())
}

// detectProvider picks backend.provider, else the first provider with a key.
func detectProvider(cfg *config.Config) string {
	if cfg.Backend.Provider != "" {
		return cfg.Backend.Provider
	}
	for _, name := range []string{"openrouter", "eachlabs", "anthropic", "openai"} {
		if cfg.Provider[name].APIKey != "" {
			return name
		}
	}
	return "anthropic"
}

// newProvider builds the named provider from its [provider.<name>] table.
func newProvider(cfg *config.Config, name string) (provider.Provider, error) {
	return provider.New(name, provider.Config(cfg.Provider[name]))
}
