package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tofut/tredy/internal/config"
	"github.com/tofut/tredy/internal/render"
	"github.com/tofut/tredy/internal/transcript"
)

var (
	askThread string
	askFiles  []string
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Ask a single question",
	Long: `Send one message, stream the answer and exit. The exit status is non-zero
when the turn fails.

Examples:
  tredy ask "what changed in go 1.22 routing?"
  tredy ask --thread notes /summary
  tredy ask -f report.txt "@agent check the claims in this report"
  tredy ask --json "hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askThread, "thread", "t", "default", "thread to use")
	askCmd.Flags().StringArrayVarP(&askFiles, "file", "f", nil, "attach a file (repeatable)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := setup(filepath.Join(config.LogsDir(), "ask.log"))
	if err != nil {
		return err
	}

	var atts []transcript.Attachment
	for _, f := range askFiles {
		att, err := readAttachment(f)
		if err != nil {
			return err
		}
		atts = append(atts, att)
	}

	cmds, err := newInterceptor(cfg)
	if err != nil {
		return err
	}
	orch := newOrchestrator(cfg, cmds)

	if !jsonOut {
		term := render.NewTerminal(os.Stdout)
		defer term.Attach(orch)()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Open(ctx, askThread); err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.Submit(ctx, askThread, strings.Join(args, " "), atts); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		orch.Abort()
	}()
	if err := orch.Wait(context.Background()); err != nil {
		return err
	}

	msgs := orch.Transcript().Messages()
	if len(msgs) == 0 {
		return errors.New("no reply")
	}
	reply := msgs[len(msgs)-1]

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reply); err != nil {
			return err
		}
	}
	if reply.Failed() {
		return fmt.Errorf("turn failed (%s): %s", reply.ErrorKind, reply.Error)
	}
	return nil
}
