package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tofut/tredy/internal/provider"
	"github.com/tofut/tredy/internal/stream"
	"github.com/tofut/tredy/internal/tool"
	"github.com/tofut/tredy/internal/transcript"
)

const (
	agentPrompt = `You are running as an autonomous agent. Use the available tools to
research the task, then give a complete final answer. Do not ask the user
questions unless you cannot continue without an answer.`

	flowPrompt = `Treat the task as a flow: work through it step by step, one tool call at a
time, and finish with a short report of every step you took.`

	toolTimeout  = 2 * time.Minute
	writeTimeout = 10 * time.Second
)

// invocation is an agent turn waiting for its websocket.
type invocation struct {
	workspace string
	thread    string
	mode      stream.Mode
	prompt    string
	history   []transcript.Message
	created   time.Time
}

// register stores inv and returns its channel id. Stale invocations are pruned.
func (s *Server) register(inv *invocation) string {
	id := uuid.NewString()
	inv.created = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.invocations {
		if time.Since(v.created) > invocationTTL {
			delete(s.invocations, k)
		}
	}
	s.invocations[id] = inv
	return id
}

// take removes and returns a pending invocation.
func (s *Server) take(id string) (*invocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok || time.Since(inv.created) > invocationTTL {
		return nil, false
	}
	delete(s.invocations, id)
	return inv, true
}

func (s *Server) handleAgentInvocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inv, ok := s.take(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent invocation")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "channel_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run := &agentRun{
		s:        s,
		inv:      inv,
		conn:     conn,
		log:      s.logger.With("channel_id", id, "thread_id", inv.thread),
		feedback: make(chan string, 16),
		readDone: make(chan struct{}),
		start:    time.Now(),
	}
	go run.readLoop(cancel)
	run.loop(ctx)
}

// agentRun is one tool-using agent loop bound to a websocket.
type agentRun struct {
	s        *Server
	inv      *invocation
	conn     *websocket.Conn
	log      *slog.Logger
	feedback chan string
	readDone chan struct{}
	start    time.Time

	tools   []string
	sources []transcript.Source
}

// readLoop collects feedback until the client goes away.
func (a *agentRun) readLoop(cancel context.CancelFunc) {
	defer close(a.readDone)
	defer cancel()

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				a.log.Debug("agent socket read ended", "error", err)
			}
			return
		}
		if gjson.GetBytes(data, "type").String() != "awaitingFeedback" {
			a.log.Warn("ignoring unexpected agent message", "payload", string(data))
			continue
		}
		select {
		case a.feedback <- gjson.GetBytes(data, "feedback").String():
		default:
			a.log.Warn("dropping feedback, queue full")
		}
	}
}

func (a *agentRun) loop(ctx context.Context) {
	system := a.s.cfg.SystemPrompt + "\n\n" + agentPrompt
	if a.inv.mode == stream.ModeFlow {
		system += "\n\n" + flowPrompt
	}
	msgs := append(providerMessages(a.inv.history), provider.Message{Role: "user", Content: a.inv.prompt})
	defs := a.s.cfg.Tools.Definitions()

	for step := 0; step < a.s.cfg.MaxAgentTurns; step++ {
		msgs = a.drainFeedback(ctx, msgs)

		label := "Planning how to approach the task"
		if step > 0 {
			label = "Reviewing tool results"
		}
		if !a.send("thinking", "content", label) {
			return
		}

		resp, err := a.s.cfg.Provider.Chat(ctx, &provider.ChatRequest{
			System:   system,
			Messages: msgs,
			Tools:    defs,
		})
		if err != nil {
			if ctx.Err() != nil {
				a.log.Info("agent run cancelled by client")
				return
			}
			a.log.Warn("agent provider call failed", "error", err)
			a.send("error", "error", err.Error())
			a.close()
			return
		}

		calls := resp.ToolCalls()
		text := resp.Text()
		if len(calls) == 0 {
			a.finish(ctx, text)
			return
		}
		if strings.TrimSpace(text) != "" {
			a.send("thinking", "content", text)
		}

		msgs = append(msgs, provider.Message{Role: "assistant", Content: text, ToolCalls: calls})
		for _, call := range calls {
			if !a.sendToolUse(call) {
				return
			}
			res := a.runTool(ctx, call)
			msgs = append(msgs, provider.Message{
				Role: "user",
				ToolResult: &provider.ToolResult{
					ToolUseID: call.ID,
					Content:   res.Content,
					IsError:   res.IsError,
				},
			})
		}
	}

	a.finish(ctx, fmt.Sprintf("I stopped after %d steps without reaching a final answer.", a.s.cfg.MaxAgentTurns))
}

func (a *agentRun) runTool(ctx context.Context, call provider.ToolCall) *tool.Result {
	tctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	res := a.s.cfg.Tools.Run(tctx, call)
	if !slices.Contains(a.tools, call.Name) {
		a.tools = append(a.tools, call.Name)
	}
	a.sources = append(a.sources, res.Sources...)
	a.log.Debug("tool executed", "tool", call.Name, "is_error", res.IsError)
	return res
}

// drainFeedback appends queued feedback as user turns and stores it.
func (a *agentRun) drainFeedback(ctx context.Context, msgs []provider.Message) []provider.Message {
	for {
		select {
		case fb := <-a.feedback:
			a.log.Info("agent feedback received")
			msgs = append(msgs, provider.Message{
				Role:    "user",
				Content: "Additional instructions from the user: " + fb,
			})
			user := transcript.Message{
				ID:        uuid.NewString(),
				Role:      transcript.RoleUser,
				Content:   fb,
				Status:    transcript.StatusSettled,
				CreatedAt: time.Now(),
			}
			if err := a.s.cfg.Store.Append(ctx, a.inv.workspace, a.inv.thread, user); err != nil {
				a.log.Error("failed to store feedback", "error", err)
			}
		default:
			return msgs
		}
	}
}

func (a *agentRun) finish(ctx context.Context, text string) {
	reply := assistantMessage(text, &transcript.Metrics{
		Elapsed: time.Since(a.start),
		Tools:   a.tools,
		Model:   a.s.cfg.Provider.Model(),
	})
	reply.Sources = a.sources
	if err := a.s.cfg.Store.Append(ctx, a.inv.workspace, a.inv.thread, reply); err != nil {
		a.log.Error("failed to store agent reply", "error", err)
	}

	if a.send("response", "content", text) {
		a.close()
	}
	a.log.Info("agent run complete", "tools", len(a.tools), "elapsed", time.Since(a.start))
}

// send writes {"type": typ, key: value}.
func (a *agentRun) send(typ, key, value string) bool {
	data, err := sjson.SetBytes([]byte(`{}`), "type", typ)
	if err == nil {
		data, err = sjson.SetBytes(data, key, value)
	}
	if err != nil {
		a.log.Error("failed to encode agent message", "error", err)
		return false
	}
	return a.write(data)
}

func (a *agentRun) sendToolUse(call provider.ToolCall) bool {
	data, err := sjson.SetBytes([]byte(`{}`), "type", "tool_use")
	if err == nil {
		data, err = sjson.SetBytes(data, "tool", call.Name)
	}
	if err == nil && len(call.Input) > 0 && json.Valid(call.Input) {
		data, err = sjson.SetRawBytes(data, "input", call.Input)
	}
	if err != nil {
		a.log.Error("failed to encode tool_use", "error", err)
		return false
	}
	return a.write(data)
}

func (a *agentRun) write(data []byte) bool {
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.log.Debug("agent socket write failed", "error", err)
		return false
	}
	return true
}

// close performs the closing handshake and waits briefly for the client's reply.
func (a *agentRun) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return
	}
	select {
	case <-a.readDone:
	case <-time.After(2 * time.Second):
	}
}
