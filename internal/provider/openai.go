package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type preset struct {
	baseURL string
	model   string
	envKey  string
}

// Routers that speak the OpenAI chat completions protocol.
var presets = map[string]preset{
	"openrouter": {baseURL: "https://openrouter.ai/api/v1", model: "anthropic/claude-sonnet-4", envKey: "OPENROUTER_API_KEY"},
	"eachlabs":   {baseURL: "https://api.eachlabs.ai/v1", model: "anthropic/claude-sonnet-4-5", envKey: "EACHLABS_API_KEY"},
	"openai":     {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini", envKey: "OPENAI_API_KEY"},
}

// OpenAICompat implements Provider for OpenAI-compatible routers
// (OpenRouter, each::labs, OpenAI itself).
type OpenAICompat struct {
	name   string
	client *openai.Client
	model  string
}

// NewOpenAICompat creates a provider for one of the known routers.
func NewOpenAICompat(name string, cfg Config) (*OpenAICompat, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown openai-compatible provider: %s", name)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s is required", p.envKey)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = p.baseURL
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
	)

	return &OpenAICompat{
		name:   name,
		client: &client,
		model:  model,
	}, nil
}

func (p *OpenAICompat) Name() string  { return p.name }
func (p *OpenAICompat) Model() string { return p.model }

// Chat sends a non-streaming request.
func (p *OpenAICompat) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("%s chat failed: %w", p.name, err)
	}
	return p.parseResponse(resp), nil
}

// Stream sends a streaming request. Tool call fragments are assembled by
// index and emitted after the text, once the stream ends.
func (p *OpenAICompat) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req))
	events := make(chan StreamEvent, 64)

	go func() {
		defer close(events)
		defer stream.Close()

		calls := make(map[int64]*ToolCall)
		args := make(map[int64][]byte)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				if !send(ctx, events, StreamEvent{Type: "text", Text: delta.Content}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &ToolCall{}
					calls[tc.Index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				args[tc.Index] = append(args[tc.Index], tc.Function.Arguments...)
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, events, StreamEvent{Type: "error", Error: fmt.Errorf("%s stream failed: %w", p.name, err)})
			return
		}

		indexes := make([]int64, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })

		for _, i := range indexes {
			call := calls[i]
			call.Input = json.RawMessage(args[i])
			if len(call.Input) == 0 {
				call.Input = json.RawMessage("{}")
			}
			if !send(ctx, events, StreamEvent{Type: "tool_use", ToolUse: call}) {
				return
			}
		}
		send(ctx, events, StreamEvent{Type: "stop"})
	}()

	return events, nil
}

func (p *OpenAICompat) params(req *ChatRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: p.buildMessages(req),
	}
	params.MaxTokens = openai.Int(maxTokens(req.MaxTokens))
	if tools := p.buildTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params
}

func (p *OpenAICompat) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			if msg.ToolResult != nil {
				messages = append(messages, openai.ToolMessage(msg.ToolResult.Content, msg.ToolResult.ToolUseID))
			} else {
				messages = append(messages, openai.UserMessage(msg.Content))
			}
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			assistant.Content.OfString = openai.String(msg.Content)
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}

	return messages
}

func (p *OpenAICompat) buildTools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam

	for _, t := range tools {
		var schema openai.FunctionParameters
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			schema = openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		}

		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  schema,
			},
		})
	}

	return result
}

func (p *OpenAICompat) parseResponse(resp *openai.ChatCompletion) *ChatResponse {
	out := &ChatResponse{
		ID:         resp.ID,
		Model:      resp.Model,
		StopReason: "end_turn",
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}

	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		out.Content = append(out.Content, ContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, ContentBlock{
			Type: "tool_use",
			ToolUse: &ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	if choice.FinishReason == "tool_calls" {
		out.StopReason = "tool_use"
	}

	return out
}
