package command

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tofut/tredy/internal/provider"
	"github.com/tofut/tredy/internal/transcript"
)

type stubSummarizer struct {
	text string
	err  error
}

func (s stubSummarizer) Summarize(context.Context, Invocation) (string, error) {
	return s.text, s.err
}

func TestInterceptor_Match(t *testing.T) {
	i := NewInterceptor(SummaryCommand(stubSummarizer{}))

	tests := []struct {
		input string
		want  bool
	}{
		{"/summary", true},
		{"  /SUMMARY \n", true},
		{"/summarize", true},
		{"/Summarize", true},
		{"/summary please", false},
		{"/summ", false},
		{"summary", false},
		{"please /summary", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			c, ok := i.Match(tt.input)
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, "/summary", c.Name)
			}
		})
	}
}

func TestInterceptor_Nil(t *testing.T) {
	var i *Interceptor
	_, ok := i.Match("/summary")
	assert.False(t, ok)
}

func TestInterceptor_Commands(t *testing.T) {
	i := NewInterceptor(SummaryCommand(stubSummarizer{}))
	cmds := i.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"/summarize"}, cmds[0].Aliases)
}

func TestCommand_Run(t *testing.T) {
	ok := SummaryCommand(stubSummarizer{text: "short"}).Run(context.Background(), Invocation{})
	assert.False(t, ok.Failed)
	assert.Equal(t, "short", ok.Content)
	assert.Equal(t, "/summary", ok.Command)

	failed := SummaryCommand(stubSummarizer{err: errors.New("boom")}).Run(context.Background(), Invocation{})
	assert.True(t, failed.Failed)
	assert.Equal(t, "boom", failed.Error)
	assert.Contains(t, failed.Content, "boom")
}

func TestHTTPSummarizer(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":"we agreed on Go"}`))
	}))
	defer srv.Close()

	s := NewHTTPSummarizer(srv.URL+"/", "secret")
	got, err := s.Summarize(context.Background(), Invocation{Workspace: "ws", ThreadID: "th"})
	require.NoError(t, err)
	assert.Equal(t, "we agreed on Go", got)
	assert.Equal(t, "/api/workspace/ws/thread/th/summarize", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPSummarizer_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSummarizer(srv.URL, "").Summarize(context.Background(), Invocation{Workspace: "ws", ThreadID: "th"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

type fakeProvider struct {
	got *provider.ChatRequest
}

func (f *fakeProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.got = req
	return &provider.ChatResponse{Content: []provider.ContentBlock{{Type: "text", Text: " summary \n"}}}, nil
}

func (f *fakeProvider) Stream(context.Context, *provider.ChatRequest) (<-chan provider.StreamEvent, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-1" }

func TestProviderSummarizer(t *testing.T) {
	tr := transcript.New("t1")
	tr.AppendUserTurn("u1", "what is tredy?", nil)
	tr.AppendPendingAssistantTurn("a1")
	tr.MutateStreamingContent("a1", transcript.Delta{Text: "<think>hmm</think>A chat orchestrator."})
	tr.Settle("a1", transcript.Settlement{})

	fp := &fakeProvider{}
	s := &ProviderSummarizer{Provider: fp}

	got, err := s.Summarize(context.Background(), Invocation{Messages: tr.Messages()})
	require.NoError(t, err)
	assert.Equal(t, "summary", got)

	require.NotNil(t, fp.got)
	require.Len(t, fp.got.Messages, 1)
	assert.Contains(t, fp.got.Messages[0].Content, "what is tredy?")
	assert.Contains(t, fp.got.Messages[0].Content, "A chat orchestrator.")
	assert.NotContains(t, fp.got.Messages[0].Content, "hmm")
}

func TestProviderSummarizer_Empty(t *testing.T) {
	got, err := (&ProviderSummarizer{Provider: &fakeProvider{}}).Summarize(context.Background(), Invocation{})
	require.NoError(t, err)
	assert.Contains(t, got, "nothing to summarize")
}
