// Package agentsession manages the bidirectional websocket used for
// multi-step agent turns.
//
// A Session is created for one in-flight assistant message. It dials the agent
// channel, records the agent's sub-steps in an operations log, forwards user
// feedback, and always leaves the message terminal when the channel closes.
// It never reconnects.
package agentsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tofut/tredy/internal/bus"
	"github.com/tofut/tredy/internal/observability"
	"github.com/tofut/tredy/internal/transcript"
)

// CompleteMarker settles a message whose session produced no response.
const CompleteMarker = "Agent session complete."

// DefaultIdleTimeout closes a session that receives nothing for this long.
const DefaultIdleTimeout = 5 * time.Minute

// ErrSessionClosed is returned when feedback is sent to a finished session.
var ErrSessionClosed = errors.New("agent session is closed")

// Sink receives the mutations of the in-flight assistant message.
type Sink interface {
	Delta(d transcript.Delta) bool
	Settle(s transcript.Settlement) bool
	Fail(kind transcript.ErrorKind, msg string) bool
}

// Dialer opens agent channels.
type Dialer struct {
	BaseURL string
	Header  http.Header
	ws      *websocket.Dialer
}

// NewDialer creates a dialer for ws(s)://host bases.
func NewDialer(baseURL, apiKey string) *Dialer {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return &Dialer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Header:  h,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// URL returns the channel address for an id.
func (d *Dialer) URL(channelID string) string {
	return d.BaseURL + "/api/agent-invocation/" + channelID
}

// Dial opens the channel.
func (d *Dialer) Dial(ctx context.Context, channelID string) (*websocket.Conn, error) {
	conn, resp, err := d.ws.DialContext(ctx, d.URL(channelID), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent channel handshake failed with %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("agent channel dial failed: %w", err)
	}
	return conn, nil
}

// Config configures a Session.
type Config struct {
	ThreadID    string
	ChannelID   string
	Dialer      *Dialer
	Sink        Sink
	IdleTimeout time.Duration

	Aborts    *bus.Topic[bus.Abort]
	Lifecycle *bus.Topic[bus.Lifecycle]
	Updates   *bus.Topic[Update]
	Logger    *slog.Logger
}

// Session is one agent channel.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	ops      opLog
	queue    []string
	conn     *websocket.Conn
	produced bool

	writeMu   sync.Mutex
	cancelled atomic.Bool
	cancel    context.CancelFunc
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates an idle session.
func New(cfg Config) *Session {
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	l := cfg.Logger
	if l == nil {
		l = observability.Logger()
	}
	return &Session{
		cfg:    cfg,
		logger: l.With("component", "agentsession", "thread_id", cfg.ThreadID, "channel_id", cfg.ChannelID),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

// Start moves the session to connecting and runs it in the background.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	var unsubscribe func()
	if s.cfg.Aborts != nil {
		unsubscribe = s.cfg.Aborts.Subscribe(func(bus.Abort) { s.Cancel() })
	}

	s.publishUpdate()
	if s.cfg.Lifecycle != nil {
		s.cfg.Lifecycle.Publish(bus.Lifecycle{
			ThreadID:  s.cfg.ThreadID,
			ChannelID: s.cfg.ChannelID,
			Kind:      bus.SessionStarted,
		})
	}

	go func() {
		defer func() {
			if unsubscribe != nil {
				unsubscribe()
			}
			s.finish()
		}()
		s.run(ctx)
	}()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Accepting reports whether feedback would reach the agent.
func (s *Session) Accepting() bool {
	st := s.State()
	return st == StateConnecting || st == StateActive
}

// Operations returns a snapshot of the operations log.
func (s *Session) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops.snapshot()
}

// Done is closed once the session reached closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ChannelID returns the correlation id of the session.
func (s *Session) ChannelID() string {
	return s.cfg.ChannelID
}

// SendFeedback forwards a user follow-up to the running agent. Feedback sent
// while connecting is queued and flushed once the channel is open.
func (s *Session) SendFeedback(text string) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateConnecting:
		s.queue = append(s.queue, text)
		s.mu.Unlock()
		s.logger.Debug("queued feedback until channel opens")
		return nil
	case StateActive:
		conn := s.conn
		s.mu.Unlock()
		return s.write(conn, text)
	default:
		s.mu.Unlock()
		return ErrSessionClosed
	}
}

// Cancel closes the channel and fails the message as cancelled. It is
// idempotent and a no-op once the session has closed. Cancelling an idle
// session makes Start fail the message without dialing.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if !s.cancelled.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()

	s.logger.Info("agent session cancelled")
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "cancelled")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Session) run(ctx context.Context) {
	if s.cancelled.Load() {
		s.cfg.Sink.Fail(transcript.ErrorCancelled, "cancelled")
		return
	}

	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.ChannelID)
	if err != nil {
		if s.cancelled.Load() {
			s.cfg.Sink.Fail(transcript.ErrorCancelled, "cancelled")
			return
		}
		s.logger.Warn("agent channel failed to open", "error", err)
		s.cfg.Sink.Fail(transcript.ErrorTransport, err.Error())
		return
	}
	defer conn.Close()

	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		s.cfg.Sink.Fail(transcript.ErrorCancelled, "cancelled")
		return
	}
	s.conn = conn
	s.state = StateActive
	s.ops.push(Operation{Kind: OpProcessing, Label: "initializing agent"})
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.logger.Info("agent session active")
	s.publishUpdate()

	for _, text := range queued {
		if err := s.write(conn, text); err != nil {
			s.logger.Warn("failed to flush queued feedback", "error", err)
		}
	}

	s.readLoop(conn)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.closeWith(err)
			return
		}

		if fatal := s.handle(data); fatal != "" {
			s.setState(StateClosing)
			s.cfg.Sink.Fail(transcript.ErrorTransport, fatal)
			return
		}
	}
}

// handle applies one inbound payload and returns a message when the agent
// reported a fatal error.
func (s *Session) handle(data []byte) string {
	if !gjson.ValidBytes(data) {
		s.logger.Warn("skipping malformed agent payload", "data", preview(string(data), 120))
		return ""
	}

	msg := gjson.ParseBytes(data)
	switch kind := msg.Get("type").String(); kind {
	case "thinking":
		content := strings.TrimSpace(msg.Get("content").String())
		label := "thinking"
		if content != "" {
			label = preview(content, 80)
		}
		s.pushOp(Operation{Kind: OpThinking, Label: label})

	case "tool_use":
		tool := msg.Get("tool").String()
		if tool == "" {
			s.logger.Warn("skipping tool_use without tool name")
			return ""
		}
		input := msg.Get("input")
		text := input.String()
		if input.IsObject() || input.IsArray() {
			text = input.Raw
		}
		label := tool
		if text != "" {
			label = tool + ": " + preview(text, 60)
		}
		s.pushOp(Operation{Kind: OpToolUse, Label: label, Tool: tool})

	case "response":
		content := msg.Get("content").String()
		s.mu.Lock()
		s.produced = true
		s.mu.Unlock()
		s.cfg.Sink.Delta(transcript.Delta{Text: content})

	case "error":
		errMsg := msg.Get("error").String()
		if errMsg == "" {
			errMsg = "the agent reported an error"
		}
		return errMsg

	default:
		s.logger.Warn("skipping unknown agent payload", "type", kind)
	}
	return ""
}

func (s *Session) closeWith(err error) {
	s.setState(StateClosing)

	var ne net.Error
	switch {
	case s.cancelled.Load():
		s.cfg.Sink.Fail(transcript.ErrorCancelled, "cancelled")

	case errors.As(err, &ne) && ne.Timeout():
		s.logger.Warn("agent session idle, closing", "idle_timeout", s.cfg.IdleTimeout)
		s.cfg.Sink.Fail(transcript.ErrorTimeout,
			fmt.Sprintf("agent session received nothing for %s", s.cfg.IdleTimeout))

	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.mu.Lock()
		produced := s.produced
		s.ops.completeActive()
		tools := s.ops.tools()
		s.mu.Unlock()

		if !produced {
			s.cfg.Sink.Delta(transcript.Delta{Text: CompleteMarker})
		}
		s.cfg.Sink.Settle(transcript.Settlement{
			Metrics: &transcript.Metrics{Tools: tools},
		})
		s.logger.Info("agent session completed", "tools", len(tools))

	default:
		s.logger.Warn("agent channel closed unexpectedly", "error", err)
		s.cfg.Sink.Fail(transcript.ErrorTransport, fmt.Sprintf("agent session ended unexpectedly: %v", err))
	}
}

func (s *Session) write(conn *websocket.Conn, text string) error {
	payload, err := sjson.SetBytes([]byte(`{"type":"awaitingFeedback"}`), "feedback", text)
	if err != nil {
		return fmt.Errorf("failed to encode feedback: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send feedback: %w", err)
	}
	return nil
}

func (s *Session) pushOp(op Operation) {
	s.mu.Lock()
	s.ops.push(op)
	s.mu.Unlock()
	s.publishUpdate()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.publishUpdate()
}

func (s *Session) finish() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.ops.completeActive()
		s.queue = nil
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.publishUpdate()
		if s.cfg.Lifecycle != nil {
			s.cfg.Lifecycle.Publish(bus.Lifecycle{
				ThreadID:  s.cfg.ThreadID,
				ChannelID: s.cfg.ChannelID,
				Kind:      bus.SessionEnded,
			})
		}
		close(s.done)
	})
}

func (s *Session) publishUpdate() {
	if s.cfg.Updates == nil {
		return
	}
	s.mu.Lock()
	u := Update{
		ThreadID:   s.cfg.ThreadID,
		ChannelID:  s.cfg.ChannelID,
		State:      s.state,
		Operations: s.ops.snapshot(),
	}
	s.mu.Unlock()
	s.cfg.Updates.Publish(u)
}
