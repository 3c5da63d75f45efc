package commands

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tofut/tredy/internal/agentsession"
	"github.com/tofut/tredy/internal/command"
	"github.com/tofut/tredy/internal/config"
	"github.com/tofut/tredy/internal/observability"
	"github.com/tofut/tredy/internal/orchestrator"
	"github.com/tofut/tredy/internal/render"
	"github.com/tofut/tredy/internal/stream"
	"github.com/tofut/tredy/internal/transcript"
	"github.com/tofut/tredy/internal/tui"
)

var (
	chatThread string
	chatTUI    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start interactive chat",
	Long: `Start an interactive terminal chat on a thread.

Prefix a message with @agent or @flow to run it as an agent. While the agent
works, anything you type is sent to it as feedback. Ctrl+C stops the current
reply; press it again when idle to quit.

Examples:
  tredy chat
  tredy chat --thread research
  tredy chat --tui`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatThread, "thread", "t", "default", "thread to open")
	chatCmd.Flags().BoolVar(&chatTUI, "tui", false, "use the full-screen interface")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := setup(filepath.Join(config.LogsDir(), "chat.log"))
	if err != nil {
		return err
	}

	cmds, err := newInterceptor(cfg)
	if err != nil {
		return err
	}
	orch := newOrchestrator(cfg, cmds)

	if chatTUI {
		if err := orch.Open(context.Background(), chatThread); err != nil {
			return err
		}
		defer orch.Close()
		return tui.RunChat(orch, cfg.Client.Workspace, chatThread)
	}

	term := render.NewTerminal(os.Stdout)
	term.PrintHeader(cfg.Client.Workspace, chatThread)
	detach := term.Attach(orch)
	defer detach()

	ctx := context.Background()
	if err := orch.Open(ctx, chatThread); err != nil {
		term.Error(err)
	}
	defer orch.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var waiting atomic.Bool
	promptWhenIdle := func() {
		if !waiting.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer waiting.Store(false)
			_ = orch.Wait(ctx)
			term.Prompt()
		}()
	}

	var names []string
	for _, c := range cmds.Commands() {
		names = append(names, c.Name)
	}

	var pending []transcript.Attachment
	term.Prompt()
	for {
		select {
		case sig := <-sigCh:
			if sig == os.Interrupt && orch.Busy() {
				orch.Abort()
				continue
			}
			fmt.Println()
			return nil

		case line, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			text := strings.TrimSpace(line)

			var err error
			switch {
			case text == "":
			case text == "/exit" || text == "/quit":
				return nil
			case text == "/help":
				term.PrintHelp(names)
			case strings.HasPrefix(text, "/attach "):
				var att transcript.Attachment
				att, err = readAttachment(strings.TrimSpace(strings.TrimPrefix(text, "/attach ")))
				if err == nil {
					pending = append(pending, att)
					term.Notice("attached %s (%s), sent with the next message", att.Name, att.MIME)
				}
			case text == "/retry":
				err = orch.Regenerate(ctx)
			default:
				err = orch.Submit(ctx, chatThread, text, pending)
				if err == nil {
					pending = nil
				}
			}
			if err != nil {
				term.Error(err)
			}
			promptWhenIdle()
		}
	}
}

func newInterceptor(cfg *config.Config) (*command.Interceptor, error) {
	var s command.Summarizer
	switch cfg.Commands.Summarizer {
	case "provider":
		name := cfg.Commands.Provider
		if name == "" {
			name = detectProvider(cfg)
		}
		prov, err := newProvider(cfg, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s summarizer: %w", name, err)
		}
		s = &command.ProviderSummarizer{Provider: prov}
	default:
		s = command.NewHTTPSummarizer(cfg.Client.BaseURL, cfg.Client.APIKey)
	}
	return command.NewInterceptor(command.SummaryCommand(s)), nil
}

func newOrchestrator(cfg *config.Config, cmds *command.Interceptor) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		Workspace:   cfg.Client.Workspace,
		Client:      stream.NewClient(cfg.Client.BaseURL, cfg.Client.APIKey, cfg.ClientTimeout()),
		Dialer:      agentsession.NewDialer(cfg.SocketURL(), cfg.Client.APIKey),
		Commands:    cmds,
		IdleTimeout: cfg.IdleTimeout(),
		Logger:      observability.Logger(),
	})
}

func readAttachment(path string) (transcript.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return transcript.Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	typ := mime.TypeByExtension(filepath.Ext(path))
	if typ == "" {
		typ = "text/plain"
	}
	if i := strings.IndexByte(typ, ';'); i >= 0 {
		typ = typ[:i]
	}
	return transcript.Attachment{Name: filepath.Base(path), MIME: typ, Content: data}, nil
}
