package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tofut/tredy/internal/agentsession"
	"github.com/tofut/tredy/internal/bus"
	"github.com/tofut/tredy/internal/transcript"
)

type fakeDriver struct {
	changes    bus.Topic[transcript.Change]
	operations bus.Topic[agentsession.Update]
	tr         *transcript.Transcript

	busy        bool
	submitted   []string
	regenerated int
	aborted     int
	ops         []agentsession.Operation
}

func newFakeDriver() *fakeDriver {
	d := &fakeDriver{}
	d.tr = transcript.New("t1", transcript.WithNotify(d.changes.Publish))
	return d
}

func (d *fakeDriver) Changes() *bus.Topic[transcript.Change]      { return &d.changes }
func (d *fakeDriver) Operations() *bus.Topic[agentsession.Update] { return &d.operations }
func (d *fakeDriver) Transcript() *transcript.Transcript          { return d.tr }
func (d *fakeDriver) Abort()                                      { d.aborted++ }
func (d *fakeDriver) Busy() bool                                  { return d.busy }
func (d *fakeDriver) AgentOperations() []agentsession.Operation   { return d.ops }

func (d *fakeDriver) Submit(ctx context.Context, threadID, text string, atts []transcript.Attachment) error {
	d.submitted = append(d.submitted, text)
	d.tr.AppendUserTurn("", text, atts)
	d.tr.AppendPendingAssistantTurn("a1")
	d.busy = true
	return nil
}

func (d *fakeDriver) Regenerate(ctx context.Context) error {
	d.regenerated++
	return nil
}

func press(t *testing.T, m ChatModel, k tea.KeyType) (ChatModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(tea.KeyMsg{Type: k})
	return next.(ChatModel), cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestChatModel_SubmitAndRefresh(t *testing.T) {
	d := newFakeDriver()
	m := NewChatModel(d, "default", "t1")
	defer m.Close()

	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = next.(ChatModel)

	m.textarea.SetValue("hello there")
	m, _ = press(t, m, tea.KeyEnter)
	require.Equal(t, []string{"hello there"}, d.submitted)
	assert.Empty(t, m.textarea.Value())
	assert.True(t, m.busy)
	assert.Len(t, m.messages, 2)

	// Bus handlers only signal; the refresh picks up the new state.
	sink := transcript.MessageSink{T: d.tr, ID: "a1"}
	sink.Delta(transcript.Delta{Text: "general kenobi"})
	select {
	case <-m.notify:
	case <-time.After(time.Second):
		t.Fatal("change was not signalled")
	}
	next, _ = m.Update(refreshMsg{})
	m = next.(ChatModel)
	assert.Contains(t, m.View(), "general kenobi")
	assert.Contains(t, m.View(), "Working...")
}

func TestChatModel_Keys(t *testing.T) {
	t.Run("ctrl+c aborts a running turn", func(t *testing.T) {
		d := newFakeDriver()
		d.busy = true
		m := NewChatModel(d, "default", "t1")
		defer m.Close()

		_, cmd := press(t, m, tea.KeyCtrlC)
		assert.Equal(t, 1, d.aborted)
		assert.False(t, isQuit(cmd))
	})

	t.Run("ctrl+c quits when idle", func(t *testing.T) {
		d := newFakeDriver()
		m := NewChatModel(d, "default", "t1")
		defer m.Close()

		_, cmd := press(t, m, tea.KeyCtrlC)
		assert.Zero(t, d.aborted)
		assert.True(t, isQuit(cmd))
	})

	t.Run("retry regenerates", func(t *testing.T) {
		d := newFakeDriver()
		m := NewChatModel(d, "default", "t1")
		defer m.Close()

		m.textarea.SetValue("/retry")
		press(t, m, tea.KeyEnter)
		assert.Equal(t, 1, d.regenerated)
		assert.Empty(t, d.submitted)
	})

	t.Run("exit quits", func(t *testing.T) {
		d := newFakeDriver()
		m := NewChatModel(d, "default", "t1")
		defer m.Close()

		m.textarea.SetValue("/exit")
		_, cmd := press(t, m, tea.KeyEnter)
		assert.True(t, isQuit(cmd))
	})
}

func TestRenderMessages(t *testing.T) {
	msgs := []transcript.Message{
		{ID: "u1", Role: transcript.RoleUser, Content: "find it", Status: transcript.StatusSettled,
			Attachments: []transcript.Attachment{{Name: "notes.txt"}}},
		{ID: "a1", Role: transcript.RoleAssistant, Status: transcript.StatusSettled,
			Content: "found", Sources: []transcript.Source{{Title: "Doc", URL: "https://d"}},
			Metrics: &transcript.Metrics{Model: "m1", Tools: []string{"web_search"}}},
		{ID: "u2", Role: transcript.RoleUser, Content: "again", Status: transcript.StatusSettled},
		{ID: "a2", Role: transcript.RoleAssistant, Status: transcript.StatusErrored,
			Error: "boom", ErrorKind: transcript.ErrorTransport},
		{ID: "u3", Role: transcript.RoleUser, Content: "@agent go", Status: transcript.StatusSettled},
		{ID: "a3", Role: transcript.RoleAssistant, Status: transcript.StatusPending},
	}
	for i := range msgs {
		msgs[i].Directives.Visible = msgs[i].Content
	}
	ops := []agentsession.Operation{
		{Kind: agentsession.OpToolUse, Tool: "web_fetch", Label: "url: https://x", State: agentsession.OpActive},
	}

	out := renderMessages(msgs, ops, 80)
	assert.Contains(t, out, "find it")
	assert.Contains(t, out, "notes.txt")
	assert.Contains(t, out, "[1] Doc https://d")
	assert.Contains(t, out, "m1 · tools: web_search")
	assert.Contains(t, out, "Error: boom")
	assert.Contains(t, out, "⚡ web_fetch")
}
