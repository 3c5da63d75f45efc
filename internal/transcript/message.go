package transcript

import (
	"time"

	"github.com/tofut/tredy/internal/directive"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSettled   Status = "settled"
	StatusErrored   Status = "errored"
)

// transitions lists every legal status change. Terminal states have no entry.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusStreaming: true,
		StatusSettled:   true,
		StatusErrored:   true,
	},
	StatusStreaming: {
		StatusStreaming: true,
		StatusSettled:   true,
		StatusErrored:   true,
	},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Terminal reports whether s is settled or errored. Values outside the
// status set are neither terminal nor in flight.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusErrored
}

// InFlight reports whether the message is pending or streaming.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusStreaming
}

// ErrorKind classifies why a message carries an error.
type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorTransport ErrorKind = "transport"
	ErrorCommand   ErrorKind = "command"
	ErrorCancelled ErrorKind = "cancelled"
	ErrorTimeout   ErrorKind = "timeout"
)

// Attachment is an opaque file sent with a user turn.
type Attachment struct {
	Name    string `json:"name"`
	MIME    string `json:"mime"`
	Content []byte `json:"content"`
}

// Source is a citation attached to a settled assistant message.
type Source struct {
	ID    string  `json:"id,omitempty"`
	Title string  `json:"title"`
	URL   string  `json:"url,omitempty"`
	Text  string  `json:"text,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// Metrics describes how an assistant message was produced.
type Metrics struct {
	Elapsed    time.Duration `json:"elapsed"`
	Tools      []string      `json:"tools,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Model      string        `json:"model,omitempty"`
}

// Message is one turn contribution.
type Message struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Status      Status           `json:"status"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Sources     []Source         `json:"sources,omitempty"`
	Metrics     *Metrics         `json:"metrics,omitempty"`
	Directives  directive.Result `json:"directives"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Failed reports whether the message carries an error, including settled
// messages flagged by a failed command.
func (m Message) Failed() bool {
	return m.ErrorKind != ErrorNone
}

func (m Message) clone() Message {
	c := m
	c.Attachments = cloneAttachments(m.Attachments)
	if m.Sources != nil {
		c.Sources = append([]Source(nil), m.Sources...)
	}
	if m.Metrics != nil {
		mt := *m.Metrics
		mt.Tools = append([]string(nil), m.Metrics.Tools...)
		c.Metrics = &mt
	}
	if m.Directives.AuthRequests != nil {
		c.Directives.AuthRequests = append([]directive.AuthRequest(nil), m.Directives.AuthRequests...)
	}
	return c
}

func cloneAttachments(in []Attachment) []Attachment {
	if in == nil {
		return nil
	}
	out := make([]Attachment, len(in))
	for i, a := range in {
		out[i] = Attachment{
			Name:    a.Name,
			MIME:    a.MIME,
			Content: append([]byte(nil), a.Content...),
		}
	}
	return out
}

// Delta is a content mutation for a streaming message.
type Delta struct {
	Text    string
	Replace bool
}

// Settlement carries what is attached to a message when it settles.
type Settlement struct {
	Sources []Source
	Metrics *Metrics
	// Error and ErrorKind flag a settled message that still failed, such as a
	// client command whose external call did not succeed.
	Error     string
	ErrorKind ErrorKind
}

// ChangeKind names a transcript mutation.
type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeUpdated  ChangeKind = "updated"
	ChangeSettled  ChangeKind = "settled"
	ChangeFailed   ChangeKind = "failed"
	ChangeRemoved  ChangeKind = "removed"
	ChangeReplaced ChangeKind = "replaced"
)

// Change is emitted after every accepted mutation.
type Change struct {
	ThreadID  string
	MessageID string
	Kind      ChangeKind
	Status    Status
}
