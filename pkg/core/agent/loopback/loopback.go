// Package loopback is an agent.Runtime that needs no model: it echoes the
// student's audio and text back. Asking it for a "picture" runs the capture
// tool, so the full capture path can be exercised without Gemini.
package loopback

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
)

const eventBuffer = 256

type Runtime struct {
	tools  agent.Tools
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*stream
}

// New returns a loopback runtime. tools may be nil, in which case capture
// requests are answered with text only.
func New(tools agent.Tools, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		tools:    tools,
		logger:   logger.With("component", "agent_loopback"),
		sessions: make(map[string]*stream),
	}
}

func (r *Runtime) Open(_ context.Context, sessionID string) (agent.Stream, error) {
	s := newStream()
	r.mu.Lock()
	stale := r.sessions[sessionID]
	r.sessions[sessionID] = s
	r.mu.Unlock()
	if stale != nil {
		stale.close()
	}
	return s, nil
}

func (r *Runtime) Send(ctx context.Context, sessionID string, in agent.Input) error {
	s := r.session(sessionID)
	if s == nil {
		return core.ErrSessionNotFound
	}
	switch {
	case len(in.Audio) > 0:
		s.emit(agent.Event{Kind: agent.EventAudio, Audio: in.Audio})
	case in.Image != nil:
		s.emit(agent.Event{Kind: agent.EventText, Text: "I can see your picture now."})
		s.emit(agent.Event{Kind: agent.EventTurnComplete})
	case in.Text != "":
		if wantsPicture(in.Text) && r.tools != nil {
			go r.capture(sessionID, s, in.Text)
			return nil
		}
		s.emit(agent.Event{Kind: agent.EventText, Text: "You said: " + in.Text})
		s.emit(agent.Event{Kind: agent.EventTurnComplete})
	}
	return nil
}

// capture runs the tool on the stream's context rather than the sender's, so
// it outlives the input that caused it and stops when the session closes.
func (r *Runtime) capture(sessionID string, s *stream, reason string) {
	s.emit(agent.Event{Kind: agent.EventToolCall, Tool: agent.CaptureToolName})
	res, err := r.tools.Invoke(s.ctx, sessionID, agent.Call{
		ID:   "loopback",
		Name: agent.CaptureToolName,
		Args: map[string]any{"reason": reason},
	})
	if err != nil {
		r.logger.Warn("capture tool failed", "session_id", sessionID, "error", err)
		s.emit(agent.Event{Kind: agent.EventText, Text: "I could not take the picture."})
		s.emit(agent.Event{Kind: agent.EventTurnComplete})
		return
	}
	if res.Image != nil {
		s.emit(agent.Event{Kind: agent.EventText, Text: "Got it, I can see your work."})
	} else if msg, _ := res.Output["message"].(string); msg != "" {
		s.emit(agent.Event{Kind: agent.EventText, Text: msg})
	}
	s.emit(agent.Event{Kind: agent.EventTurnComplete})
}

func (r *Runtime) Close(_ context.Context, sessionID string) error {
	r.mu.Lock()
	s := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if s != nil {
		s.close()
	}
	return nil
}

func (r *Runtime) session(sessionID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

func wantsPicture(text string) bool {
	text = strings.ToLower(text)
	return strings.Contains(text, "picture") || strings.Contains(text, "photo") || strings.Contains(text, "look at")
}

// stream is closed by canceling its context.
type stream struct {
	events chan agent.Event
	ctx    context.Context
	cancel context.CancelFunc
}

func newStream() *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{events: make(chan agent.Event, eventBuffer), ctx: ctx, cancel: cancel}
}

// emit drops the event when the client is not keeping up.
func (s *stream) emit(ev agent.Event) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *stream) Next(ctx context.Context) (agent.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.ctx.Done():
		return agent.Event{}, io.EOF
	case <-ctx.Done():
		return agent.Event{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func (s *stream) close() { s.cancel() }
