// Package command recognizes client-only commands that short-circuit the
// normal model round-trip.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tofut/tredy/internal/observability"
	"github.com/tofut/tredy/internal/transcript"
)

// Invocation is the context a command runs with.
type Invocation struct {
	Workspace string
	ThreadID  string
	// Messages is a snapshot of the transcript before the command's own turn.
	Messages []transcript.Message
}

// Resolution is the assistant content a command produced.
type Resolution struct {
	Command string
	Content string
	Failed  bool
	Error   string
}

// Handler computes the content of a command.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// Command is one client-only command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Handler     Handler
}

// Run executes the command. A failure is reported in the Resolution, never
// retried and never returned as an error.
func (c *Command) Run(ctx context.Context, inv Invocation) Resolution {
	content, err := c.Handler(ctx, inv)
	if err != nil {
		return Resolution{
			Command: c.Name,
			Content: fmt.Sprintf("Could not run %s: %v", c.Name, err),
			Failed:  true,
			Error:   err.Error(),
		}
	}
	return Resolution{Command: c.Name, Content: content}
}

// Interceptor matches submitted text against a fixed command set.
type Interceptor struct {
	commands map[string]*Command
	logger   *slog.Logger
}

// NewInterceptor builds an interceptor for the given commands.
func NewInterceptor(cmds ...*Command) *Interceptor {
	i := &Interceptor{
		commands: make(map[string]*Command),
		logger:   observability.WithFields("component", "command"),
	}
	for _, c := range cmds {
		i.commands[strings.ToLower(c.Name)] = c
		for _, alias := range c.Aliases {
			i.commands[strings.ToLower(alias)] = c
		}
	}
	return i
}

// Match returns the command whose name or alias equals the trimmed text,
// ignoring case. Nothing else matches: no prefixes, no arguments.
func (i *Interceptor) Match(text string) (*Command, bool) {
	if i == nil {
		return nil, false
	}
	c, ok := i.commands[strings.ToLower(strings.TrimSpace(text))]
	if ok {
		i.logger.Debug("command matched", "command", c.Name)
	}
	return c, ok
}

// Commands returns the registered commands sorted by name.
func (i *Interceptor) Commands() []*Command {
	seen := make(map[*Command]bool)
	var out []*Command
	for _, c := range i.commands {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
