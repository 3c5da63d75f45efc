package agentsession

import "unicode/utf8"

// State is the lifecycle state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// OperationKind classifies a sub-step the agent performed.
type OperationKind string

const (
	OpProcessing OperationKind = "processing"
	OpThinking   OperationKind = "thinking"
	OpToolUse    OperationKind = "toolUse"
)

// OperationState is whether a sub-step is still running.
type OperationState string

const (
	OpActive   OperationState = "active"
	OpComplete OperationState = "complete"
)

// Operation is one entry of the operations log.
type Operation struct {
	Kind  OperationKind  `json:"kind"`
	Label string         `json:"label"`
	State OperationState `json:"state"`
	Tool  string         `json:"tool,omitempty"`
}

// Update is published whenever the state or the operations log changes.
type Update struct {
	ThreadID   string
	ChannelID  string
	State      State
	Operations []Operation
}

// opLog keeps at most one operation active.
type opLog struct {
	ops []Operation
}

func (l *opLog) push(op Operation) {
	l.completeActive()
	op.State = OpActive
	l.ops = append(l.ops, op)
}

func (l *opLog) completeActive() {
	for i := range l.ops {
		if l.ops[i].State == OpActive {
			l.ops[i].State = OpComplete
		}
	}
}

func (l *opLog) snapshot() []Operation {
	return append([]Operation(nil), l.ops...)
}

func (l *opLog) tools() []string {
	var out []string
	seen := make(map[string]bool)
	for _, op := range l.ops {
		if op.Kind == OpToolUse && op.Tool != "" && !seen[op.Tool] {
			seen[op.Tool] = true
			out = append(out, op.Tool)
		}
	}
	return out
}

// preview shortens s to at most n runes.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
