// Package orchestrator is the composition root of a chat thread: it owns the
// open transcript, applies client commands, classifies each turn and drives
// the streaming transport or an agent session to a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tofut/tredy/internal/agentsession"
	"github.com/tofut/tredy/internal/bus"
	"github.com/tofut/tredy/internal/command"
	"github.com/tofut/tredy/internal/observability"
	"github.com/tofut/tredy/internal/stream"
	"github.com/tofut/tredy/internal/transcript"
)

var (
	// ErrTurnInFlight rejects a submission while another turn is running.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrNoThread is returned before Open.
	ErrNoThread = errors.New("no thread is open")
	// ErrThreadMismatch rejects a submission for a thread that is not open.
	ErrThreadMismatch = errors.New("thread is not the open thread")
	// ErrNothingToRegenerate is returned when the thread has no user turn.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")
)

// HistorySource loads the settled messages of a thread.
type HistorySource interface {
	History(ctx context.Context, workspace, thread string) ([]transcript.Message, error)
}

// Config holds orchestrator configuration.
type Config struct {
	Workspace   string
	Client      *stream.Client
	Dialer      *agentsession.Dialer
	Commands    *command.Interceptor
	History     HistorySource
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Orchestrator routes turns of one open thread.
type Orchestrator struct {
	config    Config
	transport *stream.Transport
	logger    *slog.Logger

	aborts     bus.Topic[bus.Abort]
	lifecycle  bus.Topic[bus.Lifecycle]
	changes    bus.Topic[transcript.Change]
	operations bus.Topic[agentsession.Update]

	mu       sync.Mutex
	thread   *transcript.Transcript
	turn     *turn
	override []stream.HistoryMessage
}

// turn is the one in-flight assistant response.
type turn struct {
	messageID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	aborted bool
	session *agentsession.Session
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.History == nil && cfg.Client != nil {
		cfg.History = cfg.Client
	}
	l := cfg.Logger
	if l == nil {
		l = observability.Logger()
	}

	o := &Orchestrator{
		config: cfg,
		logger: l.With("component", "orchestrator"),
	}
	o.transport = stream.NewTransport(cfg.Client, &o.aborts)
	return o
}

// Changes publishes every transcript mutation of the open thread.
func (o *Orchestrator) Changes() *bus.Topic[transcript.Change] { return &o.changes }

// Lifecycle publishes agent session start and end.
func (o *Orchestrator) Lifecycle() *bus.Topic[bus.Lifecycle] { return &o.lifecycle }

// Operations publishes agent session state and operations log updates.
func (o *Orchestrator) Operations() *bus.Topic[agentsession.Update] { return &o.operations }

// Transcript returns the open transcript for reading, or nil.
func (o *Orchestrator) Transcript() *transcript.Transcript {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.thread
}

// Open loads a thread and makes it the open one, closing the previous thread.
// A history load failure leaves the thread open and empty.
func (o *Orchestrator) Open(ctx context.Context, threadID string) error {
	o.Close()

	tr := transcript.New(threadID,
		transcript.WithNotify(o.changes.Publish),
		transcript.WithLogger(o.logger),
	)

	o.mu.Lock()
	o.thread = tr
	o.override = nil
	o.mu.Unlock()

	if o.config.History == nil {
		return nil
	}

	history, err := o.config.History.History(ctx, o.config.Workspace, threadID)
	if err != nil {
		return fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	if len(history) > 0 && !tr.Replace(history) {
		return fmt.Errorf("thread %s returned an inconsistent history", threadID)
	}
	o.logger.Info("thread opened", "thread_id", threadID, "messages", len(history))
	return nil
}

// Close aborts any running turn and discards the transcript.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	t := o.turn
	o.mu.Unlock()

	if t != nil {
		o.Abort()
		<-t.done
	}

	o.mu.Lock()
	o.thread = nil
	o.override = nil
	o.mu.Unlock()
}

// Submit starts a turn. It never waits on the network: the turn runs in the
// background and its progress is observable through Changes.
//
// While an agent session is connecting or active, text is forwarded to it as
// feedback instead of starting a new turn.
func (o *Orchestrator) Submit(ctx context.Context, threadID, text string, attachments []transcript.Attachment) error {
	o.mu.Lock()
	tr := o.thread
	if tr == nil {
		o.mu.Unlock()
		return ErrNoThread
	}
	if threadID != "" && threadID != tr.ThreadID() {
		o.mu.Unlock()
		return ErrThreadMismatch
	}

	if t := o.turn; t != nil {
		s := t.agentSession()
		o.mu.Unlock()
		if s != nil && s.Accepting() {
			tr.AppendUserTurn("", text, attachments)
			return s.SendFeedback(text)
		}
		return ErrTurnInFlight
	}

	// Reserve the turn before touching the transcript; change handlers run
	// synchronously and may call back into the orchestrator.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &turn{messageID: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	o.turn = t
	override := o.override
	o.override = nil
	o.mu.Unlock()

	before := tr.Messages()
	tr.AppendUserTurn("", text, attachments)
	if _, ok := tr.AppendPendingAssistantTurn(t.messageID); !ok {
		o.endTurn(t)
		return ErrTurnInFlight
	}

	sink := transcript.MessageSink{T: tr, ID: t.messageID}
	log := o.logger.With("thread_id", tr.ThreadID(), "message_id", t.messageID)

	if cmd, ok := o.config.Commands.Match(text); ok {
		log.Info("running client command", "command", cmd.Name)
		go o.runCommand(runCtx, t, cmd, command.Invocation{
			Workspace: o.config.Workspace,
			ThreadID:  tr.ThreadID(),
			Messages:  before,
		}, sink)
		return nil
	}

	choice := Classify(text)
	log.Info("turn classified", "transport", choice.Kind, "mode", choice.Mode)
	req := stream.Request{
		Workspace: o.config.Workspace,
		ThreadID:  tr.ThreadID(),
		Body: stream.Body{
			Message:     choice.Prompt,
			Mode:        choice.Mode,
			Attachments: attachments,
			History:     override,
		},
	}
	go o.runTransport(runCtx, t, choice, req, sink)
	return nil
}

// Abort cancels the in-flight turn. Calling it twice, or with no turn in
// flight, does nothing.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	t := o.turn
	o.mu.Unlock()

	if t != nil {
		t.abort()
	}
	o.aborts.Publish(bus.Abort{})
}

// Wait blocks until no turn is in flight.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	t := o.turn
	o.mu.Unlock()

	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether a turn is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turn != nil
}

// AgentOperations returns the operations log of the running agent session.
func (o *Orchestrator) AgentOperations() []agentsession.Operation {
	o.mu.Lock()
	t := o.turn
	o.mu.Unlock()

	if t == nil {
		return nil
	}
	if s := t.agentSession(); s != nil {
		return s.Operations()
	}
	return nil
}

// Regenerate drops the last response and resubmits the user turn before it.
// The next request carries the remaining history so the server forgets the
// dropped reply.
func (o *Orchestrator) Regenerate(ctx context.Context) error {
	tr, err := o.idleThread()
	if err != nil {
		return err
	}

	var user transcript.Message
	found := false
	for _, m := range tr.Messages() {
		if m.Role == transcript.RoleUser {
			user, found = m, true
		}
	}
	if !found {
		return ErrNothingToRegenerate
	}

	for {
		removed, ok := tr.RemoveLast()
		if !ok || removed.ID == user.ID {
			break
		}
	}
	o.setOverride(stream.HistoryFrom(tr.Messages()))

	return o.Submit(ctx, tr.ThreadID(), user.Content, user.Attachments)
}

// Edit rewrites a user turn: everything from that turn on is dropped and the
// new text is submitted with the preceding history as an override.
func (o *Orchestrator) Edit(ctx context.Context, messageID, text string) error {
	tr, err := o.idleThread()
	if err != nil {
		return err
	}

	msgs := tr.Messages()
	idx := -1
	for i, m := range msgs {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 || msgs[idx].Role != transcript.RoleUser {
		return fmt.Errorf("message %s is not a user turn of this thread", messageID)
	}

	history := msgs[:idx]
	if !tr.Replace(history) {
		return fmt.Errorf("failed to rewrite thread history")
	}
	o.setOverride(stream.HistoryFrom(history))

	return o.Submit(ctx, tr.ThreadID(), text, msgs[idx].Attachments)
}

func (o *Orchestrator) idleThread() (*transcript.Transcript, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.thread == nil {
		return nil, ErrNoThread
	}
	if o.turn != nil {
		return nil, ErrTurnInFlight
	}
	return o.thread, nil
}

func (o *Orchestrator) setOverride(h []stream.HistoryMessage) {
	o.mu.Lock()
	o.override = h
	o.mu.Unlock()
}

func (o *Orchestrator) runCommand(ctx context.Context, t *turn, cmd *command.Command, inv command.Invocation, sink transcript.MessageSink) {
	defer o.endTurn(t)

	unsubscribe := o.aborts.Subscribe(func(bus.Abort) {
		t.cancel()
		failIfInFlight(sink)
	})
	defer unsubscribe()

	res := cmd.Run(ctx, inv)
	if t.isAborted() {
		failIfInFlight(sink)
		return
	}

	sink.Delta(transcript.Delta{Text: res.Content, Replace: true})
	settlement := transcript.Settlement{}
	if res.Failed {
		settlement.Error = res.Error
		settlement.ErrorKind = transcript.ErrorCommand
	}
	sink.Settle(settlement)
}

func (o *Orchestrator) runTransport(ctx context.Context, t *turn, choice TransportChoice, req stream.Request, sink transcript.MessageSink) {
	defer o.endTurn(t)

	out := o.transport.Run(ctx, stream.Turn{
		Request: req,
		Reset:   choice.Kind == TransportReset,
		Agent:   choice.Kind == TransportAgent,
	}, sink)
	if !out.HandedOff() {
		return
	}

	if t.isAborted() {
		failIfInFlight(sink)
		return
	}
	if o.config.Dialer == nil {
		sink.Fail(transcript.ErrorTransport, "agent sessions are not configured")
		return
	}

	s := agentsession.New(agentsession.Config{
		ThreadID:    req.ThreadID,
		ChannelID:   out.ChannelID,
		Dialer:      o.config.Dialer,
		Sink:        sink,
		IdleTimeout: o.config.IdleTimeout,
		Aborts:      &o.aborts,
		Lifecycle:   &o.lifecycle,
		Updates:     &o.operations,
		Logger:      o.logger,
	})
	if !t.attach(s) {
		sink.Fail(transcript.ErrorCancelled, "cancelled")
		return
	}

	s.Start(ctx)
	<-s.Done()
}

func (o *Orchestrator) endTurn(t *turn) {
	t.cancel()

	o.mu.Lock()
	if o.turn == t {
		o.turn = nil
	}
	o.mu.Unlock()

	close(t.done)
}

func failIfInFlight(sink transcript.MessageSink) {
	if m, ok := sink.T.Get(sink.ID); ok && m.Status.InFlight() {
		sink.Fail(transcript.ErrorCancelled, "cancelled")
	}
}

// abort marks the turn and cancels its context, which also covers the gaps
// before a transport has subscribed to the abort topic.
func (t *turn) abort() {
	t.mu.Lock()
	t.aborted = true
	s := t.session
	t.mu.Unlock()

	// The session must see its cancel flag before the dial context dies.
	if s != nil {
		s.Cancel()
	}
	t.cancel()
}

// attach records the agent session unless the turn was already aborted.
func (t *turn) attach(s *agentsession.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return false
	}
	t.session = s
	return true
}

func (t *turn) agentSession() *agentsession.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

func (t *turn) isAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}
