package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/tofut/tredy/internal/observability"
	"github.com/tofut/tredy/internal/transcript"
)

// Client talks to the chat server over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client. timeout bounds connection setup and response
// headers only; a stream may run for as long as the server keeps it open.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		tr.ResponseHeaderTimeout = timeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Transport: tr},
		logger:  observability.WithFields("component", "stream"),
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) threadURL(workspace, thread, action string) string {
	return fmt.Sprintf("%s/api/workspace/%s/thread/%s/%s",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(thread), action)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// StreamChat opens a stream-chat request. The returned channel delivers events
// in receive order and is closed when the stream ends or ctx is cancelled;
// cancelling ctx also releases the response body.
func (c *Client) StreamChat(ctx context.Context, r Request) (<-chan Event, error) {
	if r.Body.Attachments == nil {
		r.Body.Attachments = []transcript.Attachment{}
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.threadURL(r.Workspace, r.ThreadID, "stream-chat"), r.Body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream-chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("stream-chat", resp)
	}

	dec := ssestream.NewDecoder(resp)
	events := make(chan Event, 16)

	go func() {
		defer close(events)
		defer dec.Close()

		for dec.Next() {
			data := bytes.TrimSpace(dec.Event().Data)
			if len(data) == 0 {
				continue
			}

			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
				c.logger.Warn("skipping malformed stream event", "thread_id", r.ThreadID, "data", truncate(string(data), 120))
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}

		if err := dec.Err(); err != nil && ctx.Err() == nil {
			select {
			case events <- Event{Type: EventError, Error: fmt.Sprintf("stream interrupted: %v", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return events, nil
}

// Reset truncates server-side history for a thread.
func (c *Client) Reset(ctx context.Context, workspace, thread string) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.threadURL(workspace, thread, "reset"), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError("reset", resp)
	}
	return nil
}

// History loads the settled messages of a thread.
func (c *Client) History(ctx context.Context, workspace, thread string) ([]transcript.Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.threadURL(workspace, thread, "history"), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("history", resp)
	}

	var body struct {
		History []transcript.Message `json:"history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return body.History, nil
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if msg := gjson.GetBytes(data, "error").String(); msg != "" {
		return fmt.Errorf("%s returned %d: %s", op, resp.StatusCode, msg)
	}
	return fmt.Errorf("%s returned %d", op, resp.StatusCode)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
