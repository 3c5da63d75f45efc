// Package backend is the reference chat server: it implements the stream-chat,
// reset, history and summarize endpoints plus the agent invocation websocket,
// answering with an LLM provider and persisting threads in a store.
//
// Endpoints:
//   - GET  /health
//   - POST /api/workspace/{ws}/thread/{thread}/stream-chat
//   - POST /api/workspace/{ws}/thread/{thread}/reset
//   - GET  /api/workspace/{ws}/thread/{thread}/history
//   - POST /api/workspace/{ws}/thread/{thread}/summarize
//   - GET  /api/workspace/{ws}/threads
//   - GET  /api/agent-invocation/{id} (websocket)
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tofut/tredy/internal/observability"
	"github.com/tofut/tredy/internal/provider"
	"github.com/tofut/tredy/internal/store"
	"github.com/tofut/tredy/internal/tool"
)

const (
	// MaxRequestBodySize bounds stream-chat bodies, attachments included.
	MaxRequestBodySize = 8 * 1024 * 1024

	// DefaultSystemPrompt is used when none is configured.
	DefaultSystemPrompt = "You are a helpful assistant. Answer concisely."

	// invocationTTL is how long an agent invocation waits for its websocket.
	invocationTTL = 2 * time.Minute
)

// Config holds server configuration.
type Config struct {
	Provider      provider.Provider
	Store         store.Store
	Tools         *tool.Registry
	APIKey        string
	SystemPrompt  string
	HistoryLimit  int
	MaxAgentTurns int
	Logger        *slog.Logger
}

// Server serves the chat API.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	invocations map[string]*invocation
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Tools == nil {
		cfg.Tools = tool.DefaultRegistry()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxAgentTurns <= 0 {
		cfg.MaxAgentTurns = 10
	}
	l := cfg.Logger
	if l == nil {
		l = observability.Logger()
	}

	return &Server{
		cfg:         cfg,
		logger:      l.With("component", "backend"),
		invocations: make(map[string]*invocation),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"time":     time.Now().UTC().Format(time.RFC3339Nano),
			"provider": s.cfg.Provider.Name(),
			"model":    s.cfg.Provider.Model(),
		})
	})

	mux.Handle("POST /api/workspace/{ws}/thread/{thread}/stream-chat", s.auth(s.handleStreamChat))
	mux.Handle("POST /api/workspace/{ws}/thread/{thread}/reset", s.auth(s.handleReset))
	mux.Handle("GET /api/workspace/{ws}/thread/{thread}/history", s.auth(s.handleHistory))
	mux.Handle("POST /api/workspace/{ws}/thread/{thread}/summarize", s.auth(s.handleSummarize))
	mux.Handle("GET /api/workspace/{ws}/threads", s.auth(s.handleThreads))
	mux.Handle("GET /api/agent-invocation/{id}", s.auth(s.handleAgentInvocation))

	return s.logRequests(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("server listening", "addr", addr, "provider", s.cfg.Provider.Name())

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token != s.cfg.APIKey {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
