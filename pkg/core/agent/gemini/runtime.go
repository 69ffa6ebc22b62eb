package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
)

// liveConn is the part of *genai.Session the runtime uses.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type dialFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error)

// Runtime keeps one Live API session per tutoring session.
type Runtime struct {
	cfg    Config
	tools  agent.Tools
	logger *slog.Logger
	dial   dialFunc

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// New connects a genai client. tools answers the model's function calls.
func New(ctx context.Context, cfg Config, tools agent.Tools, logger *slog.Logger) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Vertex {
		cc = &genai.ClientConfig{Backend: genai.BackendVertexAI, Project: cfg.Project, Location: cfg.Location}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	dial := func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveConn, error) {
		return client.Live.Connect(ctx, model, lc)
	}
	return newRuntime(cfg, tools, logger, dial), nil
}

func newRuntime(cfg Config, tools agent.Tools, logger *slog.Logger, dial dialFunc) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg.withDefaults(),
		tools:    tools,
		logger:   logger.With("component", "gemini_runtime"),
		dial:     dial,
		sessions: make(map[string]*liveSession),
	}
}

func (r *Runtime) Open(ctx context.Context, sessionID string) (agent.Stream, error) {
	conn, err := r.dial(ctx, r.cfg.Model, connectConfig(r.cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini: connect live session: %w", err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	ls := &liveSession{id: sessionID, conn: conn, ctx: lctx, cancel: cancel}

	r.mu.Lock()
	stale := r.sessions[sessionID]
	r.sessions[sessionID] = ls
	r.mu.Unlock()
	if stale != nil {
		stale.close()
	}

	r.logger.Info("live session opened", "session_id", sessionID, "model", r.cfg.Model)
	return &stream{rt: r, ls: ls}, nil
}

func (r *Runtime) Send(_ context.Context, sessionID string, in agent.Input) error {
	ls := r.session(sessionID)
	if ls == nil {
		return core.ErrSessionNotFound
	}
	switch {
	case len(in.Audio) > 0:
		return ls.sendRealtime(genai.LiveRealtimeInput{Audio: &genai.Blob{
			Data:     in.Audio,
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", r.cfg.InputSampleRate),
		}})
	case in.Image != nil:
		return ls.sendRealtime(genai.LiveRealtimeInput{Video: &genai.Blob{Data: in.Image.Data, MIMEType: in.Image.MIMEType}})
	case in.Text != "":
		return ls.sendRealtime(genai.LiveRealtimeInput{Text: in.Text})
	}
	return nil
}

func (r *Runtime) Close(_ context.Context, sessionID string) error {
	r.mu.Lock()
	ls := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ls == nil {
		return nil
	}
	r.logger.Info("live session closed", "session_id", sessionID)
	return ls.close()
}

func (r *Runtime) session(sessionID string) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// answer runs a tool call off the receive loop so audio keeps flowing while
// the capture waits for the device.
func (r *Runtime) answer(ls *liveSession, fc *genai.FunctionCall) {
	log := r.logger.With("session_id", ls.id, "tool", fc.Name)
	call := agent.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args}

	var res agent.Result
	var err error
	if r.tools == nil {
		err = errors.New("no tools configured")
	} else {
		res, err = r.tools.Invoke(ls.ctx, ls.id, call)
	}
	if err != nil {
		if ls.ctx.Err() != nil {
			return
		}
		log.Warn("tool call failed", "error", err)
		res = agent.Result{Output: map[string]any{"success": false, "error": err.Error()}}
	}

	if res.Image != nil && !res.Image.Empty() {
		err := ls.sendRealtime(genai.LiveRealtimeInput{Video: &genai.Blob{Data: res.Image.Data, MIMEType: res.Image.MIMEType}})
		if err != nil {
			log.Warn("send captured image failed", "error", err)
		}
	}
	err = ls.sendToolResponse(genai.LiveToolResponseInput{FunctionResponses: []*genai.FunctionResponse{{
		ID:       fc.ID,
		Name:     fc.Name,
		Response: res.Output,
	}}})
	if err != nil && ls.ctx.Err() == nil {
		log.Warn("send tool response failed", "error", err)
	}
}

type liveSession struct {
	id     string
	conn   liveConn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (ls *liveSession) sendRealtime(in genai.LiveRealtimeInput) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	if ls.ctx.Err() != nil {
		return core.ErrTransportGone
	}
	return ls.conn.SendRealtimeInput(in)
}

func (ls *liveSession) sendToolResponse(in genai.LiveToolResponseInput) error {
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	if ls.ctx.Err() != nil {
		return core.ErrTransportGone
	}
	return ls.conn.SendToolResponse(in)
}

func (ls *liveSession) close() error {
	ls.closeOnce.Do(func() {
		ls.cancel()
		ls.closeErr = ls.conn.Close()
	})
	return ls.closeErr
}

type stream struct {
	rt      *Runtime
	ls      *liveSession
	pending []agent.Event
}

func (s *stream) Next(ctx context.Context) (agent.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if err := ctx.Err(); err != nil {
			return agent.Event{}, err
		}
		msg, err := s.ls.conn.Receive()
		if err != nil {
			if s.ls.ctx.Err() != nil || isNormalClose(err) {
				return agent.Event{}, io.EOF
			}
			return agent.Event{}, fmt.Errorf("gemini: receive: %w", err)
		}
		if msg.ToolCall != nil {
			for _, fc := range msg.ToolCall.FunctionCalls {
				if fc != nil {
					go s.rt.answer(s.ls, fc)
				}
			}
		}
		s.pending = append(s.pending, MapServerMessage(msg)...)
	}
}

func (s *stream) Close() error {
	return s.ls.close()
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}
