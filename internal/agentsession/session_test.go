package agentsession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tofut/tredy/internal/bus"
	"github.com/tofut/tredy/internal/transcript"
)

var upgrader = websocket.Upgrader{}

// agentServer runs script on every accepted connection.
func agentServer(t *testing.T, script func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/agent-invocation/") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	// Wait for the client's close reply.
	_, _, _ = conn.ReadMessage()
}

type fixture struct {
	tr        *transcript.Transcript
	session   *Session
	aborts    *bus.Topic[bus.Abort]
	lifecycle []bus.LifecycleKind
	mu        sync.Mutex
}

func newFixture(t *testing.T, srv *httptest.Server, idle time.Duration) *fixture {
	t.Helper()
	f := &fixture{tr: transcript.New("th"), aborts: &bus.Topic[bus.Abort]{}}
	f.tr.AppendUserTurn("u1", "@agent research", nil)
	_, ok := f.tr.AppendPendingAssistantTurn("a1")
	require.True(t, ok)

	lifecycle := &bus.Topic[bus.Lifecycle]{}
	lifecycle.Subscribe(func(l bus.Lifecycle) {
		f.mu.Lock()
		f.lifecycle = append(f.lifecycle, l.Kind)
		f.mu.Unlock()
	})

	f.session = New(Config{
		ThreadID:    "th",
		ChannelID:   "ch-1",
		Dialer:      NewDialer(wsURL(srv), ""),
		Sink:        transcript.MessageSink{T: f.tr, ID: "a1"},
		IdleTimeout: idle,
		Aborts:      f.aborts,
		Lifecycle:   lifecycle,
	})
	return f
}

func (f *fixture) wait(t *testing.T) transcript.Message {
	t.Helper()
	select {
	case <-f.session.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close")
	}
	msg, _ := f.tr.Get("a1")
	return msg
}

func TestSession_NormalRun(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "/api/agent-invocation/ch-1", r.URL.Path)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"thinking","content":"looking things up"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tool_use","tool":"web_search","input":{"query":"tredy"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response","content":"Found it."}`))
		closeNormally(conn)
	})

	f := newFixture(t, srv, time.Second)
	f.session.Start(context.Background())
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusSettled, msg.Status)
	assert.Equal(t, "Found it.", msg.Content)
	require.NotNil(t, msg.Metrics)
	assert.Equal(t, []string{"web_search"}, msg.Metrics.Tools)

	ops := f.session.Operations()
	require.Len(t, ops, 3)
	assert.Equal(t, Operation{Kind: OpProcessing, Label: "initializing agent", State: OpComplete}, ops[0])
	assert.Equal(t, OpThinking, ops[1].Kind)
	assert.Equal(t, "looking things up", ops[1].Label)
	assert.Equal(t, OpToolUse, ops[2].Kind)
	assert.Equal(t, `web_search: {"query":"tredy"}`, ops[2].Label)
	for _, op := range ops {
		assert.Equal(t, OpComplete, op.State)
	}

	assert.Equal(t, StateClosed, f.session.State())
	f.mu.Lock()
	assert.Equal(t, []bus.LifecycleKind{bus.SessionStarted, bus.SessionEnded}, f.lifecycle)
	f.mu.Unlock()
	assert.Equal(t, 0, f.aborts.Len())
}

func TestSession_CloseWithoutResponse(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"thinking","content":"hmm"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tool_use","tool":"web_fetch","input":"https://example.com"}`))
		closeNormally(conn)
	})

	f := newFixture(t, srv, time.Second)
	f.session.Start(context.Background())
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusSettled, msg.Status)
	assert.Equal(t, CompleteMarker, msg.Content)
}

func TestSession_CloseWithoutStatus(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"thinking","content":"hmm"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tool_use","tool":"web_search","input":{"query":"x"}}`))
		// An empty close payload is reported as 1005 on the client.
		_ = conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	f := newFixture(t, srv, time.Second)
	f.session.Start(context.Background())
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusSettled, msg.Status)
	assert.Equal(t, CompleteMarker, msg.Content)
	require.NotNil(t, msg.Metrics)
	assert.Equal(t, []string{"web_search"}, msg.Metrics.Tools)
}

func TestSession_MalformedPayloadIsSkipped(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tool_use"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response","content":"still here"}`))
		closeNormally(conn)
	})

	f := newFixture(t, srv, time.Second)
	f.session.Start(context.Background())
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusSettled, msg.Status)
	assert.Equal(t, "still here", msg.Content)
	assert.Len(t, f.session.Operations(), 1)
}

func TestSession_FeedbackQueuedWhileConnecting(t *testing.T) {
	received := make(chan []byte, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response","content":"thanks"}`))
		closeNormally(conn)
	}))
	defer srv.Close()

	f := newFixture(t, srv, time.Second)
	f.session.Start(context.Background())
	require.Equal(t, StateConnecting, f.session.State())
	require.True(t, f.session.Accepting())

	require.NoError(t, f.session.SendFeedback("use the \"fast\" path"))

	var first []byte
	select {
	case first = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("queued feedback was not flushed")
	}
	assert.Equal(t, "awaitingFeedback", gjson.GetBytes(first, "type").String())
	assert.Equal(t, `use the "fast" path`, gjson.GetBytes(first, "feedback").String())

	require.Equal(t, StateActive, f.session.State())
	require.NoError(t, f.session.SendFeedback("second"))
	select {
	case second := <-received:
		assert.Equal(t, "second", gjson.GetBytes(second, "feedback").String())
	case <-time.After(2 * time.Second):
		t.Fatal("live feedback was not sent")
	}

	msg := f.wait(t)
	assert.Equal(t, "thanks", msg.Content)
	assert.ErrorIs(t, f.session.SendFeedback("late"), ErrSessionClosed)
}

func TestSession_AbnormalClose(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"thinking","content":"x"}`))
		_ = conn.UnderlyingConn().Close()
	})

	f := newFixture(t, srv, time.Second)
	f.session.Start(context.Background())
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusErrored, msg.Status)
	assert.Equal(t, transcript.ErrorTransport, msg.ErrorKind)
}

func TestSession_AgentError(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":"tool budget exhausted"}`))
		_, _, _ = conn.ReadMessage()
	})

	f := newFixture(t, srv, time.Second)
	f.session.Start(context.Background())
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusErrored, msg.Status)
	assert.Equal(t, "tool budget exhausted", msg.Error)
}

func TestSession_AbortCancels(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response","content":"partial"}`))
		_, _, _ = conn.ReadMessage()
	})

	f := newFixture(t, srv, time.Minute)
	f.session.Start(context.Background())

	require.Eventually(t, func() bool {
		msg, _ := f.tr.Get("a1")
		return msg.Content == "partial"
	}, 2*time.Second, 5*time.Millisecond)

	f.aborts.Publish(bus.Abort{})
	f.aborts.Publish(bus.Abort{})
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusErrored, msg.Status)
	assert.Equal(t, transcript.ErrorCancelled, msg.ErrorKind)
	assert.Equal(t, "partial", msg.Content)

	f.session.Cancel()
	assert.Equal(t, StateClosed, f.session.State())
}

func TestSession_IdleTimeout(t *testing.T) {
	srv := agentServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.ReadMessage()
	})

	f := newFixture(t, srv, 50*time.Millisecond)
	f.session.Start(context.Background())
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusErrored, msg.Status)
	assert.Equal(t, transcript.ErrorTimeout, msg.ErrorKind)
}

func TestSession_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := newFixture(t, srv, time.Second)
	f.session.Start(context.Background())
	msg := f.wait(t)

	assert.Equal(t, transcript.StatusErrored, msg.Status)
	assert.Equal(t, transcript.ErrorTransport, msg.ErrorKind)
	assert.Contains(t, msg.Error, "404")
	assert.Empty(t, f.session.Operations())
}

func TestOpLog_SingleActive(t *testing.T) {
	var l opLog
	l.push(Operation{Kind: OpProcessing, Label: "a"})
	l.push(Operation{Kind: OpThinking, Label: "b"})
	l.push(Operation{Kind: OpToolUse, Label: "c", Tool: "web_search"})
	l.push(Operation{Kind: OpToolUse, Label: "d", Tool: "web_search"})

	active := 0
	for _, op := range l.snapshot() {
		if op.State == OpActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, OpActive, l.ops[3].State)
	assert.Equal(t, []string{"web_search"}, l.tools())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short", 10))
	assert.Equal(t, "héllo…", preview("héllo world", 5))
}
