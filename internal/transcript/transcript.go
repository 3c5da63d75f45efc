// Package transcript holds the ordered message log for one chat thread.
//
// A Transcript enforces that at most one message is pending or streaming at a
// time. Every mutation is total: illegal requests are logged and dropped, never
// returned as errors or panics, so a stray event cannot corrupt the thread.
package transcript

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tofut/tredy/internal/directive"
	"github.com/tofut/tredy/internal/observability"
)

type entry struct {
	msg     Message
	scanner *directive.Scanner
}

// Transcript is the message log of one (workspace, thread) pair.
type Transcript struct {
	threadID string

	mu       sync.RWMutex
	entries  []*entry
	byID     map[string]*entry
	inflight string

	notify func(Change)
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Transcript.
type Option func(*Transcript)

// WithNotify sets the hook called after every accepted mutation.
func WithNotify(fn func(Change)) Option {
	return func(t *Transcript) { t.notify = fn }
}

// WithLogger sets the logger used for rejected mutations.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transcript) { t.logger = l }
}

// New creates an empty transcript for a thread.
func New(threadID string, opts ...Option) *Transcript {
	t := &Transcript{
		threadID: threadID,
		byID:     make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = observability.Logger()
	}
	t.logger = t.logger.With("component", "transcript", "thread_id", threadID)
	return t
}

// ThreadID returns the thread this transcript belongs to.
func (t *Transcript) ThreadID() string {
	return t.threadID
}

// AppendUserTurn appends a settled user message. An existing id is returned
// unchanged with ok=false. An empty id is generated.
func (t *Transcript) AppendUserTurn(id, text string, attachments []Attachment) (Message, bool) {
	t.mu.Lock()
	if id == "" {
		id = uuid.NewString()
	}
	if e, exists := t.byID[id]; exists {
		msg := e.msg.clone()
		t.mu.Unlock()
		return msg, false
	}

	e := &entry{msg: Message{
		ID:          id,
		Role:        RoleUser,
		Content:     text,
		Status:      StatusSettled,
		Attachments: cloneAttachments(attachments),
		CreatedAt:   t.now(),
	}}
	t.push(e)
	msg := e.msg.clone()
	t.mu.Unlock()

	t.emit(msg.ID, ChangeAppended, msg.Status)
	return msg, true
}

// AppendPendingAssistantTurn appends the in-flight assistant placeholder.
// It is rejected while another message is in flight.
func (t *Transcript) AppendPendingAssistantTurn(id string) (Message, bool) {
	t.mu.Lock()
	if id == "" {
		id = uuid.NewString()
	}
	if e, exists := t.byID[id]; exists {
		msg := e.msg.clone()
		t.mu.Unlock()
		return msg, false
	}
	if t.inflight != "" {
		current := t.inflight
		t.mu.Unlock()
		t.logger.Warn("rejected pending turn while another is in flight",
			"message_id", id, "in_flight", current)
		return Message{}, false
	}

	e := &entry{
		msg: Message{
			ID:        id,
			Role:      RoleAssistant,
			Status:    StatusPending,
			CreatedAt: t.now(),
		},
		scanner: directive.NewScanner(),
	}
	t.push(e)
	t.inflight = id
	msg := e.msg.clone()
	t.mu.Unlock()

	t.emit(msg.ID, ChangeAppended, msg.Status)
	return msg, true
}

// MutateStreamingContent appends to, or replaces, the content of the in-flight
// message and moves it to streaming.
func (t *Transcript) MutateStreamingContent(id string, d Delta) bool {
	t.mu.Lock()
	e, ok := t.lookupFor(id, StatusStreaming, "mutate")
	if !ok {
		t.mu.Unlock()
		return false
	}

	if d.Replace {
		e.msg.Content = d.Text
		e.scanner = directive.NewScanner()
	} else {
		e.msg.Content += d.Text
	}
	e.msg.Status = StatusStreaming
	t.refreshDirectives(e)
	t.mu.Unlock()

	t.emit(id, ChangeUpdated, StatusStreaming)
	return true
}

// Settle moves the in-flight message to settled. It is one-way: settling a
// terminal message is a no-op.
func (t *Transcript) Settle(id string, s Settlement) bool {
	t.mu.Lock()
	e, ok := t.lookupFor(id, StatusSettled, "settle")
	if !ok {
		t.mu.Unlock()
		return false
	}

	e.msg.Status = StatusSettled
	if s.Sources != nil {
		e.msg.Sources = append([]Source(nil), s.Sources...)
	}
	if s.Metrics != nil && e.msg.Role == RoleAssistant {
		m := *s.Metrics
		m.Tools = append([]string(nil), s.Metrics.Tools...)
		e.msg.Metrics = &m
	}
	e.msg.Error = s.Error
	e.msg.ErrorKind = s.ErrorKind
	if s.Error != "" && s.ErrorKind == ErrorNone {
		e.msg.ErrorKind = ErrorCommand
	}
	t.refreshDirectives(e)
	t.inflight = ""
	t.mu.Unlock()

	t.emit(id, ChangeSettled, StatusSettled)
	return true
}

// Fail moves the in-flight message to errored. It is one-way: failing a
// terminal message is a no-op.
func (t *Transcript) Fail(id string, kind ErrorKind, errMsg string) bool {
	t.mu.Lock()
	e, ok := t.lookupFor(id, StatusErrored, "fail")
	if !ok {
		t.mu.Unlock()
		return false
	}

	if kind == ErrorNone {
		kind = ErrorTransport
	}
	e.msg.Status = StatusErrored
	e.msg.Error = errMsg
	e.msg.ErrorKind = kind
	t.inflight = ""
	t.mu.Unlock()

	t.emit(id, ChangeFailed, StatusErrored)
	return true
}

// RemoveLast drops the last message, used to regenerate a reply.
// The in-flight message cannot be removed.
func (t *Transcript) RemoveLast() (Message, bool) {
	t.mu.Lock()
	if len(t.entries) == 0 {
		t.mu.Unlock()
		return Message{}, false
	}
	last := t.entries[len(t.entries)-1]
	if last.msg.Status.InFlight() {
		t.mu.Unlock()
		t.logger.Warn("rejected removal of in-flight message", "message_id", last.msg.ID)
		return Message{}, false
	}

	t.entries = t.entries[:len(t.entries)-1]
	delete(t.byID, last.msg.ID)
	msg := last.msg.clone()
	t.mu.Unlock()

	t.emit(msg.ID, ChangeRemoved, msg.Status)
	return msg, true
}

// Replace swaps the whole history, used when a thread is loaded, edited or
// forked. Every supplied message must be terminal and ids must be unique.
func (t *Transcript) Replace(history []Message) bool {
	entries := make([]*entry, 0, len(history))
	byID := make(map[string]*entry, len(history))

	for _, m := range history {
		if !m.Status.Terminal() {
			t.logger.Warn("rejected history with non-terminal message",
				"message_id", m.ID, "status", m.Status)
			return false
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if _, dup := byID[m.ID]; dup {
			t.logger.Warn("rejected history with duplicate id", "message_id", m.ID)
			return false
		}

		e := &entry{msg: m.clone()}
		if m.Role == RoleAssistant {
			e.scanner = directive.NewScanner()
			e.msg.Directives = e.scanner.Feed(m.Content)
		}
		entries = append(entries, e)
		byID[m.ID] = e
	}

	t.mu.Lock()
	if t.inflight != "" {
		current := t.inflight
		t.mu.Unlock()
		t.logger.Warn("rejected history replace while a turn is in flight", "in_flight", current)
		return false
	}
	t.entries = entries
	t.byID = byID
	t.mu.Unlock()

	t.emit("", ChangeReplaced, "")
	return true
}

// Messages returns a snapshot of the transcript in order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg.clone()
	}
	return out
}

// Get returns a snapshot of one message.
func (t *Transcript) Get(id string) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byID[id]
	if !ok {
		return Message{}, false
	}
	return e.msg.clone(), true
}

// InFlight returns the pending or streaming message, if any.
func (t *Transcript) InFlight() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.inflight == "" {
		return Message{}, false
	}
	return t.byID[t.inflight].msg.clone(), true
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Transcript) push(e *entry) {
	t.entries = append(t.entries, e)
	t.byID[e.msg.ID] = e
}

// lookupFor returns the message if moving it to status to is legal.
// It must be called with the lock held.
func (t *Transcript) lookupFor(id string, to Status, op string) (*entry, bool) {
	e, ok := t.byID[id]
	if !ok {
		t.logger.Warn("rejected mutation of unknown message", "op", op, "message_id", id)
		return nil, false
	}
	if !CanTransition(e.msg.Status, to) {
		t.logger.Warn("rejected illegal status change",
			"op", op, "message_id", id, "from", e.msg.Status, "to", to)
		return nil, false
	}
	return e, true
}

// refreshDirectives feeds only the content the scanner has not seen yet.
func (t *Transcript) refreshDirectives(e *entry) {
	if e.scanner == nil {
		e.scanner = directive.NewScanner()
	}
	seen := e.scanner.Len()
	if seen == len(e.msg.Content) {
		return
	}
	if seen > len(e.msg.Content) {
		e.scanner = directive.NewScanner()
		seen = 0
	}
	e.msg.Directives = e.scanner.Feed(e.msg.Content[seen:])
}

func (t *Transcript) emit(id string, kind ChangeKind, status Status) {
	if t.notify == nil {
		return
	}
	t.notify(Change{
		ThreadID:  t.threadID,
		MessageID: id,
		Kind:      kind,
		Status:    status,
	})
}

// MessageSink binds transcript mutations to one message id.
type MessageSink struct {
	T  *Transcript
	ID string
}

// Delta mutates the message content.
func (s MessageSink) Delta(d Delta) bool { return s.T.MutateStreamingContent(s.ID, d) }

// Settle settles the message.
func (s MessageSink) Settle(st Settlement) bool { return s.T.Settle(s.ID, st) }

// Fail fails the message.
func (s MessageSink) Fail(kind ErrorKind, msg string) bool { return s.T.Fail(s.ID, kind, msg) }
