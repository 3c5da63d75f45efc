package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tofut/tredy/internal/bus"
	"github.com/tofut/tredy/internal/observability"
	"github.com/tofut/tredy/internal/transcript"
)

// ResetMarker is the prompt that clears server-side history instead of
// generating a reply.
const ResetMarker = "/reset"

// ResetNotice is the content a reset turn settles with.
const ResetNotice = "Thread history was reset."

// Sink receives the mutations of one in-flight assistant message.
type Sink interface {
	Delta(d transcript.Delta) bool
	Settle(s transcript.Settlement) bool
	Fail(kind transcript.ErrorKind, msg string) bool
}

// Turn is one request for the transport.
type Turn struct {
	Request Request
	// Reset issues the reset request instead of a prompt.
	Reset bool
	// Agent leaves the message in flight once the server sends agentInit,
	// handing it over to an agent session.
	Agent bool
}

// Outcome is how a turn ended.
type Outcome struct {
	Status    transcript.Status
	ChannelID string
	Err       error
}

// HandedOff reports whether the turn was passed to an agent session.
func (o Outcome) HandedOff() bool {
	return o.ChannelID != ""
}

// Transport drives stream-chat requests.
type Transport struct {
	client *Client
	aborts *bus.Topic[bus.Abort]
	logger *slog.Logger
	now    func() time.Time
}

// NewTransport creates a transport. aborts may be nil.
func NewTransport(client *Client, aborts *bus.Topic[bus.Abort]) *Transport {
	return &Transport{
		client: client,
		aborts: aborts,
		logger: observability.WithFields("component", "stream"),
		now:    time.Now,
	}
}

// Client returns the underlying HTTP client.
func (t *Transport) Client() *Client {
	return t.client
}

// guard applies sink calls until the first terminal one.
type guard struct {
	mu   sync.Mutex
	sink Sink
	done bool
}

func (g *guard) delta(d transcript.Delta) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.sink.Delta(d)
	}
}

func (g *guard) finish(fn func(Sink)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	fn(g.sink)
	return true
}

func (g *guard) closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Run performs one turn and blocks until it reaches a terminal state or is
// handed off. Events are applied in receive order; anything after the first
// terminal event is ignored. An abort published on the bus fails the message
// as cancelled and releases the connection.
func (t *Transport) Run(ctx context.Context, turn Turn, sink Sink) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := t.logger.With("thread_id", turn.Request.ThreadID)
	g := &guard{sink: sink}

	cancelled := func() Outcome {
		g.finish(func(s Sink) { s.Fail(transcript.ErrorCancelled, "cancelled") })
		return Outcome{Status: transcript.StatusErrored, Err: context.Canceled}
	}

	if t.aborts != nil {
		unsubscribe := t.aborts.Subscribe(func(bus.Abort) {
			if g.finish(func(s Sink) { s.Fail(transcript.ErrorCancelled, "cancelled") }) {
				log.Info("turn aborted")
			}
			cancel()
		})
		defer unsubscribe()
	}

	if turn.Reset {
		return t.reset(ctx, turn, g, cancelled)
	}

	started := t.now()
	events, err := t.client.StreamChat(ctx, turn.Request)
	if err != nil {
		if g.closed() || errors.Is(ctx.Err(), context.Canceled) {
			return cancelled()
		}
		log.Warn("stream-chat failed", "error", err)
		g.finish(func(s Sink) { s.Fail(transcript.ErrorTransport, err.Error()) })
		return Outcome{Status: transcript.StatusErrored, Err: err}
	}

	var tools []string
	seen := make(map[string]bool)

	for ev := range events {
		if g.closed() {
			break
		}

		switch ev.Type {
		case EventDelta:
			g.delta(transcript.Delta{Text: ev.Text})

		case EventTool:
			log.Debug("tool event", "tool", ev.Tool)
			if ev.Tool != "" && !seen[ev.Tool] {
				seen[ev.Tool] = true
				tools = append(tools, ev.Tool)
			}

		case EventAgentInit:
			if turn.Agent && ev.ChannelID != "" {
				log.Info("agent session requested", "channel_id", ev.ChannelID)
				return Outcome{Status: transcript.StatusPending, ChannelID: ev.ChannelID}
			}

		case EventComplete:
			metrics := ev.Metrics.toTranscript()
			for _, name := range tools {
				if !contains(metrics.Tools, name) {
					metrics.Tools = append(metrics.Tools, name)
				}
			}
			if metrics.Elapsed == 0 {
				metrics.Elapsed = t.now().Sub(started)
			}
			g.finish(func(s Sink) {
				s.Settle(transcript.Settlement{Sources: ev.Sources, Metrics: metrics})
			})
			return Outcome{Status: transcript.StatusSettled}

		case EventError:
			msg := ev.Error
			if msg == "" {
				msg = "the server reported an error"
			}
			g.finish(func(s Sink) { s.Fail(transcript.ErrorTransport, msg) })
			return Outcome{Status: transcript.StatusErrored, Err: errors.New(msg)}

		case EventAbort:
			return cancelled()

		default:
			log.Warn("skipping unknown stream event", "type", ev.Type)
		}
	}

	if g.closed() || ctx.Err() != nil {
		return cancelled()
	}

	err = fmt.Errorf("stream ended before completion")
	g.finish(func(s Sink) { s.Fail(transcript.ErrorTransport, err.Error()) })
	return Outcome{Status: transcript.StatusErrored, Err: err}
}

func (t *Transport) reset(ctx context.Context, turn Turn, g *guard, cancelled func() Outcome) Outcome {
	err := t.client.Reset(ctx, turn.Request.Workspace, turn.Request.ThreadID)
	switch {
	case g.closed() || errors.Is(ctx.Err(), context.Canceled):
		return cancelled()
	case err != nil:
		g.finish(func(s Sink) { s.Fail(transcript.ErrorTransport, err.Error()) })
		return Outcome{Status: transcript.StatusErrored, Err: err}
	}

	g.finish(func(s Sink) {
		s.Delta(transcript.Delta{Text: ResetNotice, Replace: true})
		s.Settle(transcript.Settlement{})
	})
	return Outcome{Status: transcript.StatusSettled}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
