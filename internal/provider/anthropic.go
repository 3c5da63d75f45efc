package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic implements Provider for Claude models.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (a *Anthropic) Name() string  { return "anthropic" }
func (a *Anthropic) Model() string { return a.model }

// Chat sends a non-streaming request.
func (a *Anthropic) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic chat failed: %w", err)
	}
	return a.parseResponse(resp), nil
}

// Stream sends a streaming request. Tool calls are emitted once their input
// JSON is complete.
func (a *Anthropic) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(req))
	events := make(chan StreamEvent, 64)

	go func() {
		defer close(events)
		defer stream.Close()

		var pending *ToolCall
		var input []byte

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case anthropic.MessageStreamEventTypeContentBlockStart:
				cb, ok := event.ContentBlock.(anthropic.ContentBlockStartEventContentBlock)
				if ok && cb.Type == anthropic.ContentBlockStartEventContentBlockTypeToolUse {
					pending = &ToolCall{ID: cb.ID, Name: cb.Name}
					input = input[:0]
				}

			case anthropic.MessageStreamEventTypeContentBlockDelta:
				delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
				if !ok {
					continue
				}
				switch {
				case delta.Type == "text_delta" && delta.Text != "":
					if !send(ctx, events, StreamEvent{Type: "text", Text: delta.Text}) {
						return
					}
				case delta.Type == "input_json_delta":
					input = append(input, delta.PartialJSON...)
				}

			case anthropic.MessageStreamEventTypeContentBlockStop:
				if pending == nil {
					continue
				}
				if len(input) == 0 {
					input = append(input, "{}"...)
				}
				pending.Input = json.RawMessage(append([]byte(nil), input...))
				if !send(ctx, events, StreamEvent{Type: "tool_use", ToolUse: pending}) {
					return
				}
				pending = nil

			case anthropic.MessageStreamEventTypeMessageStop:
				send(ctx, events, StreamEvent{Type: "stop"})
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, events, StreamEvent{Type: "error", Error: fmt.Errorf("anthropic stream failed: %w", err)})
		}
	}()

	return events, nil
}

func (a *Anthropic) params(req *ChatRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(a.model)),
		MaxTokens: anthropic.F(maxTokens(req.MaxTokens)),
		Messages:  anthropic.F(a.buildMessages(req.Messages)),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(req.System),
		})
	}
	if tools := a.buildTools(req.Tools); len(tools) > 0 {
		params.Tools = anthropic.F(tools)
	}
	return params
}

func textBlock(text string) anthropic.TextBlockParam {
	return anthropic.TextBlockParam{
		Type: anthropic.F(anthropic.TextBlockParamTypeText),
		Text: anthropic.F(text),
	}
}

func (a *Anthropic) buildMessages(msgs []Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(msgs))

	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			var block anthropic.ContentBlockParamUnion = textBlock(msg.Content)
			if tr := msg.ToolResult; tr != nil {
				block = anthropic.ToolResultBlockParam{
					Type:      anthropic.F(anthropic.ToolResultBlockParamTypeToolResult),
					ToolUseID: anthropic.F(tr.ToolUseID),
					Content: anthropic.F([]anthropic.ToolResultBlockParamContentUnion{
						textBlock(tr.Content),
					}),
					IsError: anthropic.F(tr.IsError),
				}
			}
			result = append(result, anthropic.MessageParam{
				Role:    anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{block}),
			})

		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, textBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Input) > 0 {
					_ = json.Unmarshal(tc.Input, &input)
				}
				// The API rejects a missing input object.
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.ToolUseBlockParam{
					Type:  anthropic.F(anthropic.ToolUseBlockParamTypeToolUse),
					ID:    anthropic.F(tc.ID),
					Name:  anthropic.F(tc.Name),
					Input: anthropic.F(input),
				})
			}
			if len(content) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.F(anthropic.MessageParamRoleAssistant),
					Content: anthropic.F(content),
				})
			}
		}
	}

	return result
}

func (a *Anthropic) buildTools(tools []ToolDefinition) []anthropic.ToolUnionUnionParam {
	var result []anthropic.ToolUnionUnionParam

	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		result = append(result, anthropic.ToolParam{
			Name:        anthropic.F(t.Name),
			Description: anthropic.F(t.Description),
			InputSchema: anthropic.F[any](schema),
		})
	}

	return result
}

func (a *Anthropic) parseResponse(resp *anthropic.Message) *ChatResponse {
	out := &ChatResponse{
		ID:         resp.ID,
		Model:      string(resp.Model),
		StopReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: block.Text})
		case anthropic.ContentBlockTypeToolUse:
			out.Content = append(out.Content, ContentBlock{
				Type: "tool_use",
				ToolUse: &ToolCall{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				},
			})
		}
	}

	return out
}
