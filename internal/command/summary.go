package command

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tofut/tredy/internal/provider"
	"github.com/tofut/tredy/internal/transcript"
)

// Summarizer produces a summary of a thread.
type Summarizer interface {
	Summarize(ctx context.Context, inv Invocation) (string, error)
}

// SummaryCommand returns the /summary command, also reachable as /summarize.
func SummaryCommand(s Summarizer) *Command {
	return &Command{
		Name:        "/summary",
		Aliases:     []string{"/summarize"},
		Description: "Summarize the current thread",
		Handler:     s.Summarize,
	}
}

// HTTPSummarizer asks the chat server to summarize a thread.
type HTTPSummarizer struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPSummarizer creates a summarizer against baseURL.
func NewHTTPSummarizer(baseURL, apiKey string) *HTTPSummarizer {
	return &HTTPSummarizer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Summarize implements Summarizer.
func (s *HTTPSummarizer) Summarize(ctx context.Context, inv Invocation) (string, error) {
	endpoint := fmt.Sprintf("%s/api/workspace/%s/thread/%s/summarize",
		s.BaseURL, url.PathEscape(inv.Workspace), url.PathEscape(inv.ThreadID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build summarize request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarize request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read summary: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			return "", fmt.Errorf("summarize returned %d: %s", resp.StatusCode, msg)
		}
		return "", fmt.Errorf("summarize returned %d", resp.StatusCode)
	}

	summary := gjson.GetBytes(body, "summary")
	if !summary.Exists() {
		return "", fmt.Errorf("summarize response has no summary")
	}
	return summary.String(), nil
}

const summaryPrompt = `Summarize the conversation below in a few short paragraphs.
Keep decisions, open questions and any follow-up actions. Do not add new information.`

// ProviderSummarizer summarizes the local transcript through an LLM.
type ProviderSummarizer struct {
	Provider provider.Provider
}

// Summarize implements Summarizer.
func (s *ProviderSummarizer) Summarize(ctx context.Context, inv Invocation) (string, error) {
	if s.Provider == nil {
		return "", fmt.Errorf("no provider configured")
	}

	var b strings.Builder
	for _, m := range inv.Messages {
		if m.Failed() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		text := m.Content
		if m.Role == transcript.RoleAssistant {
			text = m.Directives.Visible
		}
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, text)
	}
	if b.Len() == 0 {
		return "There is nothing to summarize yet.", nil
	}

	resp, err := s.Provider.Chat(ctx, &provider.ChatRequest{
		System:    summaryPrompt,
		Messages:  []provider.Message{{Role: "user", Content: b.String()}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}
