// Package render prints a thread's transcript and agent activity to a terminal.
package render

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tofut/tredy/internal/agentsession"
	"github.com/tofut/tredy/internal/bus"
	"github.com/tofut/tredy/internal/transcript"
)

var (
	purple   = lipgloss.Color("#A855F7")
	green    = lipgloss.Color("#22C55E")
	yellow   = lipgloss.Color("#EAB308")
	red      = lipgloss.Color("#EF4444")
	gray     = lipgloss.Color("#6B7280")
	darkGray = lipgloss.Color("#374151")

	logoStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(purple)

	userPromptStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(green)

	toolHeaderStyle = lipgloss.NewStyle().
		Foreground(yellow).
		Bold(true)

	sourceBoxStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(darkGray).
		Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
		Foreground(red).
		Bold(true)

	mutedStyle = lipgloss.NewStyle().
		Foreground(gray)
)

const separator = "  ─────────────────────────────────────"

// Source is what a Terminal follows. *orchestrator.Orchestrator satisfies it.
type Source interface {
	Changes() *bus.Topic[transcript.Change]
	Operations() *bus.Topic[agentsession.Update]
	Transcript() *transcript.Transcript
}

// Terminal renders transcript changes incrementally.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	thread func() *transcript.Transcript

	// printed is the length of the visible text already written per message.
	printed   map[string]int
	reasoning map[string]bool
	auth      map[string]int
	shown     bool

	channel string
	ops     int
}

// NewTerminal creates a terminal renderer writing to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{
		out:       out,
		printed:   make(map[string]int),
		reasoning: make(map[string]bool),
		auth:      make(map[string]int),
	}
}

// Attach follows src until the returned function is called.
func (t *Terminal) Attach(src Source) (detach func()) {
	t.mu.Lock()
	t.thread = src.Transcript
	t.mu.Unlock()

	offChanges := src.Changes().Subscribe(t.HandleChange)
	offOps := src.Operations().Subscribe(t.HandleOperations)
	return func() {
		offChanges()
		offOps()
	}
}

// HandleChange renders one transcript change.
func (t *Terminal) HandleChange(c transcript.Change) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.thread == nil {
		return
	}
	tr := t.thread()
	if tr == nil {
		return
	}

	switch c.Kind {
	case transcript.ChangeReplaced:
		t.reset()
		msgs := tr.Messages()
		if !t.shown {
			t.printHistory(msgs)
		} else {
			fmt.Fprintln(t.out, mutedStyle.Render(fmt.Sprintf("  ↺ thread rewound to %d messages", len(msgs))))
		}
		t.markPrinted(msgs)
		return
	case transcript.ChangeRemoved:
		delete(t.printed, c.MessageID)
		return
	}

	m, ok := tr.Get(c.MessageID)
	if !ok || m.Role != transcript.RoleAssistant {
		return
	}
	t.shown = true

	switch c.Kind {
	case transcript.ChangeAppended:
		t.printed[m.ID] = 0
		fmt.Fprintln(t.out)
	case transcript.ChangeUpdated:
		t.writeProgress(m)
	case transcript.ChangeSettled:
		t.writeProgress(m)
		t.writeFooter(m)
	case transcript.ChangeFailed:
		t.writeProgress(m)
		t.writeFailure(m)
	}
}

// HandleOperations prints agent operations not shown yet.
func (t *Terminal) HandleOperations(u agentsession.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u.ChannelID != t.channel {
		t.channel = u.ChannelID
		t.ops = 0
	}
	for _, op := range u.Operations[min(t.ops, len(u.Operations)):] {
		switch op.Kind {
		case agentsession.OpToolUse:
			fmt.Fprintln(t.out, toolHeaderStyle.Render("  ⚡ "+op.Tool)+" "+mutedStyle.Render(op.Label))
		default:
			fmt.Fprintln(t.out, mutedStyle.Render("  · "+op.Label))
		}
	}
	t.ops = max(t.ops, len(u.Operations))
}

// writeProgress writes the part of the visible text not written yet. When the
// visible text shrank the whole message is written again.
func (t *Terminal) writeProgress(m transcript.Message) {
	d := m.Directives
	if d.HasReasoning() && !t.reasoning[m.ID] {
		t.reasoning[m.ID] = true
		fmt.Fprintln(t.out, mutedStyle.Render("  ∴ thinking…"))
	}

	n := t.printed[m.ID]
	vis := d.Visible
	switch {
	case len(vis) < n:
		fmt.Fprintln(t.out)
		fmt.Fprintln(t.out, mutedStyle.Render("  (revised)"))
		fmt.Fprint(t.out, vis)
	case len(vis) > n:
		fmt.Fprint(t.out, vis[n:])
	}
	t.printed[m.ID] = len(vis)

	for _, a := range d.AuthRequests[min(t.auth[m.ID], len(d.AuthRequests)):] {
		fmt.Fprintln(t.out)
		fmt.Fprintln(t.out, toolHeaderStyle.Render("  🔑 "+a.Provider)+mutedStyle.Render(" authorization requested"))
	}
	t.auth[m.ID] = len(d.AuthRequests)
}

func (t *Terminal) writeFooter(m transcript.Message) {
	fmt.Fprintln(t.out)
	if m.Failed() {
		t.writeFailure(m)
		return
	}

	var parts []string
	if m.Metrics != nil {
		if m.Metrics.Model != "" {
			parts = append(parts, m.Metrics.Model)
		}
		if m.Metrics.Elapsed > 0 {
			parts = append(parts, m.Metrics.Elapsed.Round(100*time.Millisecond).String())
		}
		if len(m.Metrics.Tools) > 0 {
			parts = append(parts, "tools: "+strings.Join(m.Metrics.Tools, ", "))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintln(t.out, mutedStyle.Render("  "+strings.Join(parts, " · ")))
	}

	if len(m.Sources) > 0 {
		lines := make([]string, 0, len(m.Sources))
		for i, s := range m.Sources {
			line := fmt.Sprintf("[%d] %s", i+1, s.Title)
			if s.URL != "" {
				line += " " + mutedStyle.Render(s.URL)
			}
			lines = append(lines, line)
		}
		fmt.Fprintln(t.out, sourceBoxStyle.Render(strings.Join(lines, "\n")))
	}
	fmt.Fprintln(t.out, mutedStyle.Render(separator))
}

func (t *Terminal) writeFailure(m transcript.Message) {
	fmt.Fprintln(t.out)
	if m.ErrorKind == transcript.ErrorCancelled {
		fmt.Fprintln(t.out, mutedStyle.Render("  (cancelled)"))
		return
	}
	msg := m.Error
	if msg == "" {
		msg = string(m.ErrorKind)
	}
	fmt.Fprintln(t.out, errorStyle.Render("  Error:")+" "+msg)
}

// PrintHistory prints a loaded thread.
func (t *Terminal) PrintHistory(msgs []transcript.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.printHistory(msgs)
	t.markPrinted(msgs)
}

func (t *Terminal) printHistory(msgs []transcript.Message) {
	if len(msgs) == 0 {
		return
	}
	t.shown = true
	for _, m := range msgs {
		switch m.Role {
		case transcript.RoleUser:
			fmt.Fprintln(t.out, userPromptStyle.Render("  ❯ ")+m.Content)
		case transcript.RoleAssistant:
			if m.Failed() {
				fmt.Fprintln(t.out, errorStyle.Render("  Error:")+" "+m.Error)
				continue
			}
			fmt.Fprintln(t.out, m.Directives.Visible)
		}
	}
	fmt.Fprintln(t.out, mutedStyle.Render(separator))
}

func (t *Terminal) markPrinted(msgs []transcript.Message) {
	for _, m := range msgs {
		t.printed[m.ID] = len(m.Directives.Visible)
		t.auth[m.ID] = len(m.Directives.AuthRequests)
		t.reasoning[m.ID] = m.Directives.HasReasoning()
	}
}

func (t *Terminal) reset() {
	clear(t.printed)
	clear(t.reasoning)
	clear(t.auth)
}

// PrintHeader prints the banner.
func (t *Terminal) PrintHeader(workspace, thread string) {
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, logoStyle.Render("  ╭─────────────────────────────────────╮"))
	fmt.Fprintln(t.out, logoStyle.Render("  │")+"               "+logoStyle.Render("tredy")+"                 "+logoStyle.Render("│"))
	fmt.Fprintln(t.out, logoStyle.Render("  ╰─────────────────────────────────────╯"))
	fmt.Fprintln(t.out, mutedStyle.Render(fmt.Sprintf("  workspace %s · thread %s", workspace, thread)))
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, mutedStyle.Render("  /help for commands • Ctrl+C to stop a reply"))
	fmt.Fprintln(t.out, mutedStyle.Render(separator))
}

// PrintHelp lists the interactive commands.
func (t *Terminal) PrintHelp(commands []string) {
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, logoStyle.Render("  Commands"))
	fmt.Fprintln(t.out, "    /help     show this help")
	fmt.Fprintln(t.out, "    /retry    regenerate the last reply")
	fmt.Fprintln(t.out, "    /attach   attach a file to the next message")
	fmt.Fprintln(t.out, "    /exit     quit")
	for _, c := range commands {
		fmt.Fprintf(t.out, "    %-9s %s\n", c, mutedStyle.Render("client command"))
	}
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, logoStyle.Render("  Modes"))
	fmt.Fprintln(t.out, "    @agent    run the message as a tool-using agent")
	fmt.Fprintln(t.out, "    @flow     run the message as a step-by-step flow")
	fmt.Fprintln(t.out, mutedStyle.Render("    while an agent runs, new messages are sent to it as feedback"))
}

// Prompt prints the input prompt.
func (t *Terminal) Prompt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\n"+userPromptStyle.Render("  ❯ "))
}

// Notice prints a muted informational line.
func (t *Terminal) Notice(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, mutedStyle.Render("  "+fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (t *Terminal) Error(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, errorStyle.Render("  Error:")+" "+err.Error())
}
