// Package directive decodes structured directives embedded in assistant text:
// a reasoning block delimited by <think>...</think>, and inline authorization
// tokens of the form [connect:<provider>].
//
// Decoding is tolerant. Unmatched or partial markers never produce an error;
// text that contains no directive round-trips byte for byte into Visible.
package directive

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// OpenMarker starts a reasoning block.
	OpenMarker = "<think>"
	// CloseMarker ends a reasoning block.
	CloseMarker = "</think>"

	authPrefix     = "[connect:"
	maxProviderLen = 64
)

// AuthRequest is an inline authorization prompt found in the text.
type AuthRequest struct {
	Provider    string `json:"provider"`
	Placeholder string `json:"placeholder"`
}

// Result is the decomposition of one piece of assistant text.
type Result struct {
	// Reasoning is the extracted block including its markers.
	Reasoning string `json:"reasoning,omitempty"`
	// ReasoningOpen is true while an opener has been seen without its closer.
	ReasoningOpen bool          `json:"reasoning_open,omitempty"`
	Visible       string        `json:"visible"`
	AuthRequests  []AuthRequest `json:"auth_requests,omitempty"`
}

// HasReasoning reports whether a reasoning block, complete or open, was found.
func (r Result) HasReasoning() bool {
	return r.Reasoning != ""
}

// Parse decodes text in one pass. Placeholders are freshly generated on every call;
// use a Scanner when ids must stay stable while text grows.
func Parse(text string) Result {
	return NewScanner().Feed(text)
}

type phase int

const (
	phaseNone phase = iota // no reasoning marker seen yet
	phaseOpen              // inside a reasoning block
	phaseDone              // reasoning block closed; later markers are literal
)

// Scanner is an incremental decoder. Each Feed scans only the new suffix plus
// any held-back bytes that might be the start of a marker.
type Scanner struct {
	phase     phase
	raw       strings.Builder // everything consumed while phaseNone
	visible   strings.Builder
	reasoning strings.Builder
	auth      []AuthRequest
	tail      string // unconsumed bytes that may begin a marker
	n         int
	newID     func() string
}

// NewScanner returns an empty scanner.
func NewScanner() *Scanner {
	return &Scanner{newID: uuid.NewString}
}

// Len returns the number of bytes fed so far.
func (s *Scanner) Len() int {
	return s.n
}

// Feed appends delta and returns the decomposition of all text fed so far.
func (s *Scanner) Feed(delta string) Result {
	s.n += len(delta)
	buf := s.tail + delta
	s.tail = ""

	for buf != "" {
		if s.phase == phaseOpen {
			buf = s.scanReasoning(buf)
		} else {
			buf = s.scanVisible(buf)
		}
	}

	return s.Result()
}

// Result returns the decomposition of all text fed so far.
func (s *Scanner) Result() Result {
	r := Result{
		Visible:   s.visible.String(),
		Reasoning: s.reasoning.String(),
	}
	if len(s.auth) > 0 {
		r.AuthRequests = append([]AuthRequest(nil), s.auth...)
	}

	if s.phase == phaseOpen {
		r.Reasoning += s.tail
		r.ReasoningOpen = true
	} else {
		r.Visible += s.tail
	}
	return r
}

func (s *Scanner) scanReasoning(buf string) string {
	for buf != "" {
		i := strings.Index(buf, CloseMarker)
		j := strings.Index(buf, authPrefix)
		if j >= 0 && (i < 0 || j < i) {
			s.reasoning.WriteString(buf[:j])
			provider, end, st := parseAuth(buf[j:])
			switch st {
			case authIncomplete:
				s.tail = buf[j:]
				return ""
			case authInvalid:
				s.reasoning.WriteString(buf[j : j+1])
				buf = buf[j+1:]
			default:
				s.addAuth(provider)
				buf = buf[j+end:]
			}
			continue
		}
		if i < 0 {
			k := partialSuffix(buf, CloseMarker, authPrefix)
			s.reasoning.WriteString(buf[:len(buf)-k])
			s.tail = buf[len(buf)-k:]
			return ""
		}

		end := i + len(CloseMarker)
		s.reasoning.WriteString(buf[:end])
		s.phase = phaseDone
		return buf[end:]
	}
	return ""
}

func (s *Scanner) addAuth(provider string) {
	s.auth = append(s.auth, AuthRequest{
		Provider:    provider,
		Placeholder: s.newID(),
	})
}

func (s *Scanner) scanVisible(buf string) string {
	for buf != "" {
		i, marker := s.nextMarker(buf)
		if i < 0 {
			k := partialSuffix(buf, s.markers()...)
			s.emitVisible(buf[:len(buf)-k])
			s.tail = buf[len(buf)-k:]
			return ""
		}

		switch marker {
		case OpenMarker:
			s.emitVisible(buf[:i])
			s.raw.Reset()
			s.reasoning.WriteString(OpenMarker)
			s.phase = phaseOpen
			return buf[i+len(OpenMarker):]

		case CloseMarker:
			// Closer without opener: everything up to and including the
			// closer is reasoning. Tokens already extracted stay requests.
			end := i + len(CloseMarker)
			s.raw.WriteString(buf[:end])
			s.reasoning.WriteString(s.raw.String())
			s.raw.Reset()
			s.visible.Reset()
			s.phase = phaseDone
			return buf[end:]

		default:
			provider, end, st := parseAuth(buf[i:])
			switch st {
			case authIncomplete:
				s.emitVisible(buf[:i])
				s.tail = buf[i:]
				return ""
			case authInvalid:
				s.emitVisible(buf[:i+1])
				buf = buf[i+1:]
			default:
				s.emitVisible(buf[:i])
				s.addAuth(provider)
				buf = buf[i+end:]
			}
		}
	}
	return ""
}

func (s *Scanner) emitVisible(text string) {
	s.visible.WriteString(text)
	if s.phase == phaseNone {
		s.raw.WriteString(text)
	}
}

func (s *Scanner) markers() []string {
	if s.phase == phaseNone {
		return []string{OpenMarker, CloseMarker, authPrefix}
	}
	return []string{authPrefix}
}

// nextMarker returns the earliest marker start in buf.
func (s *Scanner) nextMarker(buf string) (int, string) {
	best, which := -1, ""
	for _, m := range s.markers() {
		if i := strings.Index(buf, m); i >= 0 && (best < 0 || i < best) {
			best, which = i, m
		}
	}
	return best, which
}

// partialSuffix returns the length of the longest suffix of buf that is a
// proper prefix of one of the markers.
func partialSuffix(buf string, markers ...string) int {
	longest := 0
	for _, m := range markers {
		n := len(m) - 1
		if n > len(buf) {
			n = len(buf)
		}
		for k := n; k > longest; k-- {
			if strings.HasPrefix(m, buf[len(buf)-k:]) {
				longest = k
				break
			}
		}
	}
	return longest
}

type authStatus int

const (
	authOK authStatus = iota
	authIncomplete
	authInvalid
)

// parseAuth parses a token starting with authPrefix. end is the byte length
// of the whole token when the status is authOK.
func parseAuth(s string) (provider string, end int, st authStatus) {
	rest := s[len(authPrefix):]

	j := 0
	for j < len(rest) && isProviderChar(rest[j]) {
		j++
		if j > maxProviderLen {
			return "", 0, authInvalid
		}
	}

	if j == len(rest) {
		return "", 0, authIncomplete
	}
	if j == 0 || rest[j] != ']' {
		return "", 0, authInvalid
	}
	return rest[:j], len(authPrefix) + j + 1, authOK
}

func isProviderChar(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '-'
}
