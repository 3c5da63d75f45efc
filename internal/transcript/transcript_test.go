package transcript

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusStreaming, true},
		{StatusPending, StatusSettled, true},
		{StatusPending, StatusErrored, true},
		{StatusStreaming, StatusStreaming, true},
		{StatusStreaming, StatusSettled, true},
		{StatusSettled, StatusStreaming, false},
		{StatusSettled, StatusErrored, false},
		{StatusErrored, StatusSettled, false},
		{StatusStreaming, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, StatusSettled.Terminal())
	assert.True(t, StatusErrored.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, Status("").Terminal())
	assert.False(t, Status("done").Terminal())
	assert.False(t, CanTransition("", StatusSettled))
	assert.True(t, StatusStreaming.InFlight())
}

func TestTranscript_StreamingLifecycle(t *testing.T) {
	var changes []Change
	tr := New("t1", WithNotify(func(c Change) { changes = append(changes, c) }))

	_, ok := tr.AppendUserTurn("u1", "hello", nil)
	require.True(t, ok)
	_, ok = tr.AppendPendingAssistantTurn("a1")
	require.True(t, ok)

	inflight, ok := tr.InFlight()
	require.True(t, ok)
	assert.Equal(t, "a1", inflight.ID)
	assert.Equal(t, StatusPending, inflight.Status)

	require.True(t, tr.MutateStreamingContent("a1", Delta{Text: "Hel"}))
	require.True(t, tr.MutateStreamingContent("a1", Delta{Text: "lo"}))

	msg, _ := tr.Get("a1")
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, StatusStreaming, msg.Status)

	require.True(t, tr.Settle("a1", Settlement{
		Sources: []Source{{Title: "doc"}},
		Metrics: &Metrics{Tools: []string{"web_search"}},
	}))

	msg, _ = tr.Get("a1")
	assert.Equal(t, StatusSettled, msg.Status)
	assert.Len(t, msg.Sources, 1)
	require.NotNil(t, msg.Metrics)
	assert.Equal(t, []string{"web_search"}, msg.Metrics.Tools)
	assert.False(t, msg.Failed())

	_, ok = tr.InFlight()
	assert.False(t, ok)

	kinds := make([]ChangeKind, len(changes))
	for i, c := range changes {
		kinds[i] = c.Kind
		assert.Equal(t, "t1", c.ThreadID)
	}
	assert.Equal(t, []ChangeKind{
		ChangeAppended, ChangeAppended, ChangeUpdated, ChangeUpdated, ChangeSettled,
	}, kinds)
}

func TestTranscript_AppendIsIdempotent(t *testing.T) {
	calls := 0
	tr := New("t1", WithNotify(func(Change) { calls++ }))

	first, ok := tr.AppendUserTurn("u1", "one", nil)
	require.True(t, ok)
	again, ok := tr.AppendUserTurn("u1", "two", nil)
	assert.False(t, ok)
	assert.Equal(t, first.Content, again.Content)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, 1, calls)
}

func TestTranscript_SingleInFlight(t *testing.T) {
	tr := New("t1")
	_, ok := tr.AppendPendingAssistantTurn("a1")
	require.True(t, ok)

	_, ok = tr.AppendPendingAssistantTurn("a2")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())

	// User turns are terminal and may be appended during an agent session.
	_, ok = tr.AppendUserTurn("u2", "feedback", nil)
	assert.True(t, ok)
}

func TestTranscript_TerminalMutationsAreNoOps(t *testing.T) {
	tr := New("t1")
	tr.AppendPendingAssistantTurn("a1")
	tr.MutateStreamingContent("a1", Delta{Text: "partial"})
	require.True(t, tr.Fail("a1", ErrorCancelled, "cancelled"))

	assert.False(t, tr.MutateStreamingContent("a1", Delta{Text: " more"}))
	assert.False(t, tr.Settle("a1", Settlement{}))
	assert.False(t, tr.Fail("a1", ErrorTransport, "late"))
	assert.False(t, tr.MutateStreamingContent("missing", Delta{Text: "x"}))

	_, ok := tr.AppendUserTurn("u1", "q", nil)
	require.True(t, ok)
	assert.False(t, tr.MutateStreamingContent("u1", Delta{Text: "edited"}), "settled user turns are not streamable")

	msg, _ := tr.Get("a1")
	assert.Equal(t, StatusErrored, msg.Status)
	assert.Equal(t, "partial", msg.Content)
	assert.Equal(t, ErrorCancelled, msg.ErrorKind)
	assert.Equal(t, "cancelled", msg.Error)
}

func TestTranscript_SettleWithCommandError(t *testing.T) {
	tr := New("t1")
	tr.AppendPendingAssistantTurn("a1")
	tr.MutateStreamingContent("a1", Delta{Text: "summary failed", Replace: true})
	require.True(t, tr.Settle("a1", Settlement{Error: "502 from summarizer"}))

	msg, _ := tr.Get("a1")
	assert.Equal(t, StatusSettled, msg.Status)
	assert.Equal(t, ErrorCommand, msg.ErrorKind)
	assert.True(t, msg.Failed())
}

func TestTranscript_DirectivesFollowContent(t *testing.T) {
	tr := New("t1")
	tr.AppendPendingAssistantTurn("a1")

	tr.MutateStreamingContent("a1", Delta{Text: "<think>plan"})
	msg, _ := tr.Get("a1")
	assert.True(t, msg.Directives.ReasoningOpen)
	assert.Equal(t, "", msg.Directives.Visible)

	tr.MutateStreamingContent("a1", Delta{Text: "</think>Please [connect:github]"})
	msg, _ = tr.Get("a1")
	assert.False(t, msg.Directives.ReasoningOpen)
	assert.Equal(t, "Please ", msg.Directives.Visible)
	require.Len(t, msg.Directives.AuthRequests, 1)
	placeholder := msg.Directives.AuthRequests[0].Placeholder

	tr.MutateStreamingContent("a1", Delta{Text: " now"})
	msg, _ = tr.Get("a1")
	require.Len(t, msg.Directives.AuthRequests, 1)
	assert.Equal(t, placeholder, msg.Directives.AuthRequests[0].Placeholder)

	tr.MutateStreamingContent("a1", Delta{Text: "fresh", Replace: true})
	msg, _ = tr.Get("a1")
	assert.Equal(t, "fresh", msg.Directives.Visible)
	assert.Empty(t, msg.Directives.AuthRequests)
	assert.False(t, msg.Directives.HasReasoning())
}

func TestTranscript_RemoveLast(t *testing.T) {
	tr := New("t1")
	_, ok := tr.RemoveLast()
	assert.False(t, ok)

	tr.AppendUserTurn("u1", "q", nil)
	tr.AppendPendingAssistantTurn("a1")

	_, ok = tr.RemoveLast()
	assert.False(t, ok, "in-flight message must not be removed")

	tr.Settle("a1", Settlement{})
	removed, ok := tr.RemoveLast()
	require.True(t, ok)
	assert.Equal(t, "a1", removed.ID)
	assert.Equal(t, 1, tr.Len())

	_, ok = tr.Get("a1")
	assert.False(t, ok)
}

func TestTranscript_Replace(t *testing.T) {
	tr := New("t1")

	ok := tr.Replace([]Message{
		{ID: "u1", Role: RoleUser, Content: "q", Status: StatusSettled},
		{ID: "a1", Role: RoleAssistant, Content: "<think>x</think>answer", Status: StatusSettled},
	})
	require.True(t, ok)
	require.Equal(t, 2, tr.Len())

	msg, _ := tr.Get("a1")
	assert.Equal(t, "answer", msg.Directives.Visible)

	assert.False(t, tr.Replace([]Message{{ID: "p", Status: StatusPending}}))
	assert.False(t, tr.Replace([]Message{{ID: "e", Role: RoleUser, Content: "no status"}}))
	assert.False(t, tr.Replace([]Message{{ID: "x", Role: RoleUser, Status: "archived"}}))
	assert.False(t, tr.Replace([]Message{
		{ID: "d", Status: StatusSettled},
		{ID: "d", Status: StatusSettled},
	}))
	assert.Equal(t, 2, tr.Len(), "rejected replace leaves history untouched")

	tr.AppendPendingAssistantTurn("a2")
	assert.False(t, tr.Replace(nil))
}

func TestTranscript_SnapshotsAreCopies(t *testing.T) {
	tr := New("t1")
	tr.AppendUserTurn("u1", "q", []Attachment{{Name: "a.txt", Content: []byte("abc")}})

	msgs := tr.Messages()
	msgs[0].Attachments[0].Content[0] = 'z'
	msgs[0].Content = "changed"

	msg, _ := tr.Get("u1")
	assert.Equal(t, "q", msg.Content)
	assert.Equal(t, []byte("abc"), msg.Attachments[0].Content)
}

func TestTranscript_ConcurrentReaders(t *testing.T) {
	tr := New("t1")
	tr.AppendPendingAssistantTurn("a1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Messages()
				tr.InFlight()
			}
		}()
	}
	for j := 0; j < 100; j++ {
		tr.MutateStreamingContent("a1", Delta{Text: "x"})
	}
	wg.Wait()

	msg, _ := tr.Get("a1")
	assert.Len(t, msg.Content, 100)
}
