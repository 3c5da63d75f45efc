// Package stream implements the token-streaming chat transport: an HTTP client
// for the stream-chat endpoint and a Transport that folds its events into the
// in-flight assistant message.
package stream

import (
	"time"

	"github.com/tofut/tredy/internal/transcript"
)

// EventType names a server-sent event.
type EventType string

const (
	EventDelta     EventType = "delta"
	EventTool      EventType = "toolEvent"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventAbort     EventType = "abort"
	EventAgentInit EventType = "agentInit"
)

// Event is one JSON object carried by a `data:` line.
type Event struct {
	Type      EventType           `json:"type"`
	Text      string              `json:"text,omitempty"`
	Tool      string              `json:"tool,omitempty"`
	Input     string              `json:"input,omitempty"`
	Sources   []transcript.Source `json:"sources,omitempty"`
	Metrics   *Metrics            `json:"metrics,omitempty"`
	Error     string              `json:"error,omitempty"`
	ChannelID string              `json:"channelId,omitempty"`
}

// Terminal reports whether no further event of the turn is expected.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventError, EventAbort:
		return true
	}
	return false
}

// Metrics is the wire form of transcript.Metrics.
type Metrics struct {
	ElapsedMs  int64    `json:"elapsedMs,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Model      string   `json:"model,omitempty"`
}

func (m *Metrics) toTranscript() *transcript.Metrics {
	if m == nil {
		return &transcript.Metrics{}
	}
	return &transcript.Metrics{
		Elapsed:    time.Duration(m.ElapsedMs) * time.Millisecond,
		Tools:      append([]string(nil), m.Tools...),
		Confidence: m.Confidence,
		Model:      m.Model,
	}
}

// Mode is the out-of-band routing hint sent with a prompt.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModeAgent Mode = "agent"
	ModeFlow  Mode = "flow"
)

// HistoryMessage is a prior turn sent to override server-side history.
type HistoryMessage struct {
	Role    transcript.Role `json:"role"`
	Content string          `json:"content"`
}

// Body is the JSON body of a stream-chat request.
type Body struct {
	Message     string                  `json:"message"`
	Mode        Mode                    `json:"mode"`
	Attachments []transcript.Attachment `json:"attachments"`
	// History replaces the server's thread history when non-nil; an empty
	// slice clears it.
	History     []HistoryMessage        `json:"history"`
}

// Request addresses one stream-chat call.
type Request struct {
	Workspace string
	ThreadID  string
	Body      Body
}

// HistoryFrom converts terminal transcript messages into a history override.
// Failed messages are left out.
func HistoryFrom(msgs []transcript.Message) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.Status.Terminal() || m.Failed() {
			continue
		}
		out = append(out, HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
