package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		want    string
	}{
		{name: "anthropic", cfg: Config{APIKey: "k"}, want: "anthropic"},
		{name: "openrouter", cfg: Config{APIKey: "k"}, want: "openrouter"},
		{name: "eachlabs", cfg: Config{APIKey: "k"}, want: "eachlabs"},
		{name: "anthropic", cfg: Config{}, wantErr: true},
		{name: "eachlabs", cfg: Config{}, wantErr: true},
		{name: "mystery", cfg: Config{APIKey: "k"}, wantErr: true},
		{name: "", cfg: Config{APIKey: "k"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.name, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
			assert.NotEmpty(t, p.Model())
		})
	}
}

func TestOpenAICompat_ModelOverride(t *testing.T) {
	p, err := NewOpenAICompat("openrouter", Config{APIKey: "k", Model: "openai/gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", p.Model())
}

func chunk(content, toolJSON string) string {
	delta := fmt.Sprintf(`{"content":%q}`, content)
	if toolJSON != "" {
		delta = fmt.Sprintf(`{"tool_calls":[%s]}`, toolJSON)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":%s,"finish_reason":null}]}`, delta)
}

func TestOpenAICompat_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, data := range []string{
			chunk("Hel", ""),
			chunk("lo", ""),
			chunk("", `{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"query\":"}}`),
			chunk("", `{"index":0,"function":{"arguments":"\"go\"}"}}`),
			"[DONE]",
		} {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}))
	defer srv.Close()

	p, err := NewOpenAICompat("openai", Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	events, err := p.Stream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var text string
	var calls []*ToolCall
	var stopped bool
	for ev := range events {
		switch ev.Type {
		case "text":
			text += ev.Text
		case "tool_use":
			calls = append(calls, ev.ToolUse)
		case "stop":
			stopped = true
		case "error":
			t.Fatalf("stream error: %v", ev.Error)
		}
	}

	assert.Equal(t, "Hello", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "web_search", calls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, string(calls[0].Input))
	assert.True(t, stopped)
}

func TestOpenAICompat_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := NewOpenAICompat("openai", Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	events, err := p.Stream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var gotErr error
	for ev := range events {
		if ev.Type == "error" {
			gotErr = ev.Error
		}
	}
	assert.Error(t, gotErr)
}

func TestChatResponse_Helpers(t *testing.T) {
	resp := &ChatResponse{Content: []ContentBlock{
		{Type: "text", Text: "a"},
		{Type: "tool_use", ToolUse: &ToolCall{Name: "web_fetch"}},
		{Type: "text", Text: "b"},
	}}
	assert.Equal(t, "ab", resp.Text())
	require.Len(t, resp.ToolCalls(), 1)
	assert.Equal(t, "web_fetch", resp.ToolCalls()[0].Name)
}
