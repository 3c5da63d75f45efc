package orchestrator

import (
	"regexp"
	"strings"

	"github.com/tofut/tredy/internal/stream"
)

// TransportKind selects the transport that answers a turn.
type TransportKind string

const (
	TransportStream TransportKind = "stream"
	TransportReset  TransportKind = "reset"
	TransportAgent  TransportKind = "agent"
)

// TransportChoice is the result of classifying a submitted turn.
type TransportChoice struct {
	Kind TransportKind
	// Mode is sent out of band; the prefix that selected it is not part of Prompt.
	Mode   stream.Mode
	Prompt string
}

// ParsedMessage is a submitted text split into routing prefix and content.
type ParsedMessage struct {
	Original string
	Content  string // message without the @prefix
	Prefix   string // lowercased prefix name, empty when none
}

var prefixRe = regexp.MustCompile(`(?s)^@(\w+)\s+(.*)$`)

// ParseMessage extracts a leading @prefix.
func ParseMessage(msg string) *ParsedMessage {
	parsed := &ParsedMessage{
		Original: msg,
		Content:  msg,
	}

	m := prefixRe.FindStringSubmatch(strings.TrimSpace(msg))
	if len(m) == 3 {
		parsed.Prefix = strings.ToLower(m[1])
		parsed.Content = m[2]
	}

	return parsed
}

// Classify decides the transport for a turn that is not a client command.
// Unknown prefixes are left in the prompt untouched.
func Classify(text string) TransportChoice {
	if strings.EqualFold(strings.TrimSpace(text), stream.ResetMarker) {
		return TransportChoice{Kind: TransportReset, Mode: stream.ModeChat, Prompt: stream.ResetMarker}
	}

	parsed := ParseMessage(text)
	switch parsed.Prefix {
	case "agent":
		return TransportChoice{Kind: TransportAgent, Mode: stream.ModeAgent, Prompt: parsed.Content}
	case "flow":
		return TransportChoice{Kind: TransportAgent, Mode: stream.ModeFlow, Prompt: parsed.Content}
	}
	return TransportChoice{Kind: TransportStream, Mode: stream.ModeChat, Prompt: text}
}
