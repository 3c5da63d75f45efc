// Package tool defines the tools the backend agent loop can invoke.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tofut/tredy/internal/provider"
	"github.com/tofut/tredy/internal/transcript"
)

// Tool is any capability the agent can invoke.
type Tool interface {
	// Name returns the tool name (e.g., "web_search").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Schema returns the JSON Schema for tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the outcome of tool execution.
type Result struct {
	Content string
	IsError bool
	// Sources are citations the tool produced, if any.
	Sources []transcript.Source
}

// Registry holds available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Definitions describes the registered tools to a provider.
func (r *Registry) Definitions() []provider.ToolDefinition {
	var defs []provider.ToolDefinition
	for _, t := range r.All() {
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// Run executes a model tool call. Unknown tools and execution errors become
// error results so the model can recover.
func (r *Registry) Run(ctx context.Context, call provider.ToolCall) *Result {
	t, ok := r.Get(call.Name)
	if !ok {
		return &Result{Content: fmt.Sprintf("Unknown tool: %s", call.Name), IsError: true}
	}

	params := call.Input
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	res, err := t.Execute(ctx, params)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Tool %s failed: %v", call.Name, err), IsError: true}
	}
	return res
}

// DefaultRegistry returns a registry with the web tools.
func DefaultRegistry() *Registry {
	return NewRegistry(NewWebFetch(), NewWebSearch())
}
