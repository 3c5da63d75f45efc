// Package provider defines the LLM provider interface used by the reference
// backend and the provider-backed summarizer.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider is any LLM backend that can generate chat completions.
type Provider interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed when the response ends or ctx is cancelled.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)

	// Name returns the provider name (e.g., "anthropic", "openrouter").
	Name() string

	// Model returns the model id requests are sent to.
	Model() string
}

// Config holds the settings shared by every provider.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New builds the named provider.
func New(name string, cfg Config) (Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openrouter", "eachlabs", "openai":
		return NewOpenAICompat(name, cfg)
	case "":
		return nil, fmt.Errorf("no provider configured")
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Message represents a single message in the conversation.
type Message struct {
	Role       string // "user", "assistant"
	Content    string
	ToolCalls  []ToolCall
	ToolResult *ToolResult
}

// ContentBlock represents a block of content in a response.
type ContentBlock struct {
	Type    string // "text", "tool_use"
	Text    string
	ToolUse *ToolCall
}

// ToolDefinition defines a tool that the model can use.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ChatResponse represents a complete chat response.
type ChatResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// Text joins every text block of the response.
func (r *ChatResponse) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool_use blocks of the response in order.
func (r *ChatResponse) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, block := range r.Content {
		if block.Type == "tool_use" && block.ToolUse != nil {
			calls = append(calls, *block.ToolUse)
		}
	}
	return calls
}

// Usage tracks token usage.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamEvent represents an event in a streaming response.
type StreamEvent struct {
	Type    string // "text", "tool_use", "stop", "error"
	Text    string
	ToolUse *ToolCall
	Error   error
}

const defaultMaxTokens = 8192

func maxTokens(n int) int64 {
	if n <= 0 {
		return defaultMaxTokens
	}
	return int64(n)
}

// send delivers ev unless ctx is done.
func send(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
