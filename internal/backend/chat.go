package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tofut/tredy/internal/command"
	"github.com/tofut/tredy/internal/directive"
	"github.com/tofut/tredy/internal/provider"
	"github.com/tofut/tredy/internal/store"
	"github.com/tofut/tredy/internal/stream"
	"github.com/tofut/tredy/internal/transcript"
)

// eventWriter writes stream.Event values as server-sent events.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &eventWriter{w: w, flusher: flusher}, true
}

func (e *eventWriter) send(ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	ws, thread := r.PathValue("ws"), r.PathValue("thread")
	log := s.logger.With("workspace", ws, "thread_id", thread)

	var body stream.Body
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	history, err := s.threadHistory(ctx, ws, thread, body.History)
	if err != nil {
		s.storeError(w, err)
		return
	}

	user := transcript.Message{
		ID:          uuid.NewString(),
		Role:        transcript.RoleUser,
		Content:     body.Message,
		Status:      transcript.StatusSettled,
		Attachments: body.Attachments,
		CreatedAt:   time.Now(),
	}
	if err := s.cfg.Store.Append(ctx, ws, thread, user); err != nil {
		s.storeError(w, err)
		return
	}

	events, ok := newEventWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if body.Mode == stream.ModeAgent || body.Mode == stream.ModeFlow {
		id := s.register(&invocation{
			workspace: ws,
			thread:    thread,
			mode:      body.Mode,
			prompt:    promptText(body.Message, body.Attachments),
			history:   history,
		})
		log.Info("agent invocation created", "channel_id", id, "mode", body.Mode)
		_ = events.send(stream.Event{Type: stream.EventAgentInit, ChannelID: id})
		return
	}

	start := time.Now()
	msgs := append(providerMessages(history), provider.Message{
		Role:    "user",
		Content: promptText(body.Message, body.Attachments),
	})
	out, err := s.cfg.Provider.Stream(ctx, &provider.ChatRequest{
		System:   s.cfg.SystemPrompt,
		Messages: msgs,
	})
	if err != nil {
		log.Warn("provider stream failed", "error", err)
		_ = events.send(stream.Event{Type: stream.EventError, Error: err.Error()})
		return
	}

	var text strings.Builder
	for ev := range out {
		switch ev.Type {
		case "text":
			text.WriteString(ev.Text)
			if err := events.send(stream.Event{Type: stream.EventDelta, Text: ev.Text}); err != nil {
				log.Debug("client went away", "error", err)
				return
			}
		case "error":
			log.Warn("provider stream error", "error", ev.Error)
			_ = events.send(stream.Event{Type: stream.EventError, Error: ev.Error.Error()})
			return
		}
	}
	if ctx.Err() != nil {
		log.Info("stream abandoned by client")
		return
	}

	elapsed := time.Since(start)
	reply := assistantMessage(text.String(), &transcript.Metrics{Elapsed: elapsed, Model: s.cfg.Provider.Model()})
	if err := s.cfg.Store.Append(ctx, ws, thread, reply); err != nil {
		log.Error("failed to store reply", "error", err)
	}

	_ = events.send(stream.Event{
		Type:    stream.EventComplete,
		Metrics: &stream.Metrics{ElapsedMs: elapsed.Milliseconds(), Model: s.cfg.Provider.Model()},
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ws, thread := r.PathValue("ws"), r.PathValue("thread")
	if err := s.cfg.Store.Reset(r.Context(), ws, thread); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("thread reset", "workspace", ws, "thread_id", thread)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.Store.History(r.Context(), r.PathValue("ws"), r.PathValue("thread"), 0)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": msgs})
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	ws, thread := r.PathValue("ws"), r.PathValue("thread")
	msgs, err := s.cfg.Store.History(r.Context(), ws, thread, 0)
	if err != nil {
		s.storeError(w, err)
		return
	}

	summarizer := &command.ProviderSummarizer{Provider: s.cfg.Provider}
	summary, err := summarizer.Summarize(r.Context(), command.Invocation{
		Workspace: ws,
		ThreadID:  thread,
		Messages:  msgs,
	})
	if err != nil {
		s.logger.Warn("summarize failed", "workspace", ws, "thread_id", thread, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.cfg.Store.Threads(r.Context(), r.PathValue("ws"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if threads == nil {
		threads = []store.ThreadInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// threadHistory returns the history a turn is answered with. A non-nil
// override replaces what the store holds for the thread.
func (s *Server) threadHistory(ctx context.Context, ws, thread string, override []stream.HistoryMessage) ([]transcript.Message, error) {
	if override == nil {
		return s.cfg.Store.History(ctx, ws, thread, s.cfg.HistoryLimit)
	}

	if err := s.cfg.Store.Reset(ctx, ws, thread); err != nil {
		return nil, err
	}
	msgs := make([]transcript.Message, 0, len(override))
	for _, h := range override {
		m := transcript.Message{
			ID:        uuid.NewString(),
			Role:      h.Role,
			Content:   h.Content,
			Status:    transcript.StatusSettled,
			CreatedAt: time.Now(),
		}
		if h.Role == transcript.RoleAssistant {
			m.Directives = directive.Parse(h.Content)
		}
		msgs = append(msgs, m)
	}
	if err := s.cfg.Store.Append(ctx, ws, thread, msgs...); err != nil {
		return nil, err
	}
	s.logger.Info("thread history overridden", "workspace", ws, "thread_id", thread, "messages", len(msgs))
	return msgs, nil
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrInvalidKey) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("store failure", "error", err)
	writeError(w, http.StatusInternalServerError, "storage failure")
}

func assistantMessage(text string, metrics *transcript.Metrics) transcript.Message {
	return transcript.Message{
		ID:         uuid.NewString(),
		Role:       transcript.RoleAssistant,
		Content:    text,
		Status:     transcript.StatusSettled,
		Metrics:    metrics,
		Directives: directive.Parse(text),
		CreatedAt:  time.Now(),
	}
}

// providerMessages converts stored history into provider messages. Failed
// turns and empty messages are left out.
func providerMessages(history []transcript.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		if m.Failed() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case transcript.RoleUser:
			out = append(out, provider.Message{Role: "user", Content: promptText(m.Content, m.Attachments)})
		case transcript.RoleAssistant:
			out = append(out, provider.Message{Role: "assistant", Content: m.Content})
		}
	}
	return out
}

// promptText inlines text attachments into the prompt.
func promptText(msg string, atts []transcript.Attachment) string {
	if len(atts) == 0 {
		return msg
	}

	var sb strings.Builder
	sb.WriteString(msg)
	for _, a := range atts {
		if !textual(a.MIME) {
			fmt.Fprintf(&sb, "\n\n[Attachment %s (%s) not included]", a.Name, a.MIME)
			continue
		}
		fmt.Fprintf(&sb, "\n\n[Attachment %s]\n%s", a.Name, a.Content)
	}
	return sb.String()
}

func textual(mime string) bool {
	return strings.HasPrefix(mime, "text/") ||
		mime == "application/json" ||
		mime == "application/xml" ||
		mime == ""
}
