// Package tui is the full-screen chat client.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tofut/tredy/internal/agentsession"
	"github.com/tofut/tredy/internal/bus"
	"github.com/tofut/tredy/internal/transcript"
)

var (
	chatPurple    = lipgloss.Color("#A855F7")
	chatGreen     = lipgloss.Color("#22C55E")
	chatYellow    = lipgloss.Color("#FBBF24")
	chatRed       = lipgloss.Color("#EF4444")
	chatGray      = lipgloss.Color("#6B7280")
	chatDarkGray  = lipgloss.Color("#374151")
	chatLightGray = lipgloss.Color("#9CA3AF")
	chatWhite     = lipgloss.Color("#F9FAFB")

	chatTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(chatPurple)

	chatUserMsgStyle = lipgloss.NewStyle().
				Foreground(chatWhite).
				Background(chatPurple).
				Padding(0, 1)

	chatUserLabelStyle = lipgloss.NewStyle().
				Foreground(chatPurple).
				Bold(true)

	chatAssistantLabelStyle = lipgloss.NewStyle().
				Foreground(chatGreen).
				Bold(true)

	chatToolStyle = lipgloss.NewStyle().
			Foreground(chatYellow).
			Bold(true)

	chatSourceStyle = lipgloss.NewStyle().
			Foreground(chatLightGray).
			Background(chatDarkGray).
			Padding(0, 1)

	chatErrorMsgStyle = lipgloss.NewStyle().
				Foreground(chatRed).
				Bold(true)

	chatInputBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(chatPurple).
				Padding(0, 1)

	chatInputBoxFocusedStyle = lipgloss.NewStyle().
					Border(lipgloss.RoundedBorder()).
					BorderForeground(chatGreen).
					Padding(0, 1)

	chatStatusStyle = lipgloss.NewStyle().
			Foreground(chatGray)
)

// Driver is the orchestrator surface the chat UI uses.
type Driver interface {
	Changes() *bus.Topic[transcript.Change]
	Operations() *bus.Topic[agentsession.Update]
	Transcript() *transcript.Transcript
	Submit(ctx context.Context, threadID, text string, attachments []transcript.Attachment) error
	Regenerate(ctx context.Context) error
	Abort()
	Busy() bool
	AgentOperations() []agentsession.Operation
}

// ChatModel is the bubbletea model for the chat UI.
type ChatModel struct {
	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model

	driver Driver
	thread string
	title  string

	// notify is signalled by bus handlers; it never blocks the publisher.
	notify      chan struct{}
	unsubscribe func()

	messages []transcript.Message
	ops      []agentsession.Operation
	busy     bool
	width    int
	height   int
	ready    bool
	err      error
}

type refreshMsg struct{}

// NewChatModel creates a chat model on an open thread of d.
func NewChatModel(d Driver, workspace, thread string) ChatModel {
	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(chatPurple)

	notify := make(chan struct{}, 1)
	signal := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	offChanges := d.Changes().Subscribe(func(transcript.Change) { signal() })
	offOps := d.Operations().Subscribe(func(agentsession.Update) { signal() })

	m := ChatModel{
		textarea: ta,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		driver:   d,
		thread:   thread,
		title:    fmt.Sprintf("workspace %s · thread %s", workspace, thread),
		notify:   notify,
		unsubscribe: func() {
			offChanges()
			offOps()
		},
	}
	m.snapshot()
	return m
}

// Close detaches the model from its driver.
func (m ChatModel) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.waitForChange(),
	)
}

func (m ChatModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		<-m.notify
		return refreshMsg{}
	}
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.driver.Busy() {
				m.driver.Abort()
				return m, nil
			}
			return m, tea.Quit

		case tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			input := strings.TrimSpace(m.textarea.Value())
			if input == "" {
				return m, nil
			}
			m.textarea.Reset()
			m.err = m.submit(input)
			if errors.Is(m.err, errQuit) {
				return m, tea.Quit
			}
			m.snapshot()
			m.updateViewport()
			return m, m.spinner.Tick
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		inputHeight := 5
		statusHeight := 2
		viewportHeight := max(m.height-headerHeight-inputHeight-statusHeight, 3)

		if !m.ready {
			m.viewport = viewport.New(m.width-2, viewportHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width - 2
			m.viewport.Height = viewportHeight
		}
		m.textarea.SetWidth(m.width - 4)
		m.updateViewport()

	case refreshMsg:
		m.snapshot()
		m.updateViewport()
		cmds = append(cmds, m.waitForChange())

	case spinner.TickMsg:
		// A turn ends after its last change, so busy is polled while spinning.
		if busy := m.driver.Busy(); busy != m.busy {
			m.snapshot()
			m.updateViewport()
		}
		if m.busy {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)

	var vcmd tea.Cmd
	m.viewport, vcmd = m.viewport.Update(msg)
	cmds = append(cmds, vcmd)

	return m, tea.Batch(cmds...)
}

var errQuit = errors.New("quit")

func (m *ChatModel) submit(input string) error {
	ctx := context.Background()
	switch input {
	case "/exit", "/quit":
		return errQuit
	case "/retry":
		return m.driver.Regenerate(ctx)
	}
	return m.driver.Submit(ctx, m.thread, input, nil)
}

func (m *ChatModel) snapshot() {
	if tr := m.driver.Transcript(); tr != nil {
		m.messages = tr.Messages()
	}
	m.busy = m.driver.Busy()
	if m.busy {
		m.ops = m.driver.AgentOperations()
	} else {
		m.ops = nil
	}
}

func (m *ChatModel) updateViewport() {
	width := m.width - 4
	if width <= 0 {
		width = 76
	}
	m.viewport.SetContent(renderMessages(m.messages, m.ops, width))
	m.viewport.GotoBottom()
}

// renderMessages draws the transcript. ops belong to the in-flight message.
func renderMessages(msgs []transcript.Message, ops []agentsession.Operation, width int) string {
	var content strings.Builder
	body := lipgloss.NewStyle().Width(width)

	for _, msg := range msgs {
		switch msg.Role {
		case transcript.RoleUser:
			content.WriteString(chatUserLabelStyle.Render("You") + "\n")
			content.WriteString(chatUserMsgStyle.Render(msg.Content) + "\n")
			for _, a := range msg.Attachments {
				content.WriteString(chatStatusStyle.Render("📎 "+a.Name) + "\n")
			}
			content.WriteString("\n")

		case transcript.RoleAssistant:
			content.WriteString(chatAssistantLabelStyle.Render("tredy") + "\n")
			d := msg.Directives
			if d.ReasoningOpen {
				content.WriteString(chatStatusStyle.Render("∴ thinking…") + "\n")
			}
			if msg.Status.InFlight() {
				for _, op := range ops {
					content.WriteString(renderOperation(op) + "\n")
				}
			}
			if d.Visible != "" {
				content.WriteString(body.Render(d.Visible) + "\n")
			}
			for _, a := range d.AuthRequests {
				content.WriteString(chatToolStyle.Render("🔑 "+a.Provider) + chatStatusStyle.Render(" authorization requested") + "\n")
			}
			switch {
			case msg.ErrorKind == transcript.ErrorCancelled:
				content.WriteString(chatStatusStyle.Render("(cancelled)") + "\n")
			case msg.Failed():
				content.WriteString(chatErrorMsgStyle.Render("Error: "+msg.Error) + "\n")
			case msg.Status == transcript.StatusSettled:
				content.WriteString(renderFooter(msg))
			}
			content.WriteString("\n")
		}
	}
	return content.String()
}

func renderOperation(op agentsession.Operation) string {
	mark := "·"
	if op.State == agentsession.OpActive {
		mark = "›"
	}
	if op.Kind == agentsession.OpToolUse {
		return chatToolStyle.Render(mark+" ⚡ "+op.Tool) + " " + chatStatusStyle.Render(op.Label)
	}
	return chatStatusStyle.Render(mark + " " + op.Label)
}

func renderFooter(msg transcript.Message) string {
	var b strings.Builder
	if mt := msg.Metrics; mt != nil {
		var parts []string
		if mt.Model != "" {
			parts = append(parts, mt.Model)
		}
		if mt.Elapsed > 0 {
			parts = append(parts, mt.Elapsed.Round(100*time.Millisecond).String())
		}
		if len(mt.Tools) > 0 {
			parts = append(parts, "tools: "+strings.Join(mt.Tools, ", "))
		}
		if len(parts) > 0 {
			b.WriteString(chatStatusStyle.Render(strings.Join(parts, " · ")) + "\n")
		}
	}
	for i, s := range msg.Sources {
		b.WriteString(chatSourceStyle.Render(fmt.Sprintf("[%d] %s %s", i+1, s.Title, s.URL)) + "\n")
	}
	return b.String()
}

func (m ChatModel) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(chatTitleStyle.Render("tredy") + "  " + chatStatusStyle.Render(m.title) + "\n")
	b.WriteString(strings.Repeat("─", max(m.width-2, 0)) + "\n")

	b.WriteString(m.viewport.View() + "\n")

	switch {
	case m.err != nil:
		b.WriteString(chatErrorMsgStyle.Render("Error: "+m.err.Error()) + "\n")
	case m.busy:
		b.WriteString(m.spinner.View() + " " + chatStatusStyle.Render("Working... (Ctrl+C to stop)") + "\n")
	default:
		b.WriteString("\n")
	}

	inputStyle := chatInputBoxFocusedStyle
	if m.busy {
		inputStyle = chatInputBoxStyle
	}
	b.WriteString(inputStyle.Render(m.textarea.View()) + "\n")

	b.WriteString(chatStatusStyle.Render("Enter to send • @agent / @flow • /retry • /summary • Esc to quit"))

	return b.String()
}

// RunChat runs the chat UI until the user quits.
func RunChat(d Driver, workspace, thread string) error {
	model := NewChatModel(d, workspace, thread)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
