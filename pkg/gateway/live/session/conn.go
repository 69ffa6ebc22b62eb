// Package session runs one live websocket connection: it forwards microphone
// audio to the agent runtime and pumps agent events back to the client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/protocol"
)

const outboundPriorityQueueSize = 16

var errBackpressure = errors.New("live outbound queue is full")

type Config struct {
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int

	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
}

type wsConn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Dependencies struct {
	WS        *websocket.Conn
	Runtime   agent.Runtime
	Stream    agent.Stream
	SessionID string
	Logger    *slog.Logger
	Config    Config
	Now       func() time.Time
}

// Conn is one accepted live connection. Run blocks until the client leaves,
// the agent stream ends, or Cancel is called.
type Conn struct {
	ws        wsConn
	runtime   agent.Runtime
	stream    agent.Stream
	sessionID string
	logger    *slog.Logger
	cfg       Config
	limiter   *inboundAudioLimiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
}

func New(deps Dependencies) (*Conn, error) {
	if deps.WS == nil {
		return nil, fmt.Errorf("connection is required")
	}
	return newConn(deps.WS, deps)
}

func newConn(ws wsConn, deps Dependencies) (*Conn, error) {
	if deps.Runtime == nil {
		return nil, fmt.Errorf("agent runtime is required")
	}
	if deps.Stream == nil {
		return nil, fmt.Errorf("agent stream is required")
	}
	if deps.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 64
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:               ws,
		runtime:          deps.Runtime,
		stream:           deps.Stream,
		sessionID:        deps.SessionID,
		logger:           deps.Logger.With("component", "live_conn", "session_id", deps.SessionID),
		cfg:              deps.Config,
		limiter:          newInboundAudioLimiter(deps.Now, deps.Config.MaxAudioFPS, deps.Config.MaxAudioBytesPerSecond, deps.Config.InboundBurstSeconds),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		outboundPriority: make(chan outboundFrame, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize)),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}, nil
}

func (c *Conn) SessionID() string { return c.sessionID }

// Done is closed when Run has returned and every goroutine it started exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Cancel() {
	if c == nil {
		return
	}
	c.cancel()
}

func (c *Conn) Run() error {
	err := errors.New("live connection already ran")
	c.once.Do(func() { err = c.run() })
	return err
}

func (c *Conn) run() error {
	defer close(c.done)
	defer c.stream.Close()
	defer c.cancel()

	if c.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	if c.cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}

	g, ctx := errgroup.WithContext(c.ctx)
	writer := &outboundWriter{
		ws:       c.ws,
		ctx:      ctx,
		cfg:      c.cfg,
		priority: c.outboundPriority,
		normal:   c.outboundNormal,
	}
	g.Go(func() error {
		defer c.cancel()
		// Closing the socket unblocks the reader whatever the writer exit reason.
		defer c.ws.Close()
		if err := writer.Run(); err != nil {
			return fmt.Errorf("%w: %w", core.ErrTransportGone, err)
		}
		return nil
	})
	g.Go(func() error {
		defer c.cancel()
		return c.readLoop(ctx)
	})
	g.Go(func() error {
		defer c.cancel()
		return c.pump(ctx)
	})

	err := g.Wait()
	if err != nil && (isTransportClosed(err) || errors.Is(err, core.ErrTransportGone)) {
		c.logger.Debug("live transport gone", "error", err)
		return nil
	}
	return err
}

func (c *Conn) pump(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("live pump panic", "panic", r, "stack", string(debug.Stack()))
			_ = c.SendPriority(protocol.Error("internal_error", "Something went wrong. Please reconnect."))
			err = nil
		}
	}()
	// Some streams ignore ctx while blocked; closing them unblocks Next.
	stop := context.AfterFunc(ctx, func() { _ = c.stream.Close() })
	defer stop()

	if err := c.Send(protocol.AgentReady()); err != nil {
		return nil
	}
	for {
		ev, err := c.stream.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, core.ErrTransportGone):
				return nil
			case errors.Is(err, io.EOF):
				c.logger.Info("agent stream ended")
				_ = c.SendPriority(protocol.TurnComplete("Session ended"))
				return nil
			default:
				c.logger.Error("agent stream failed", "error", err)
				_ = c.SendPriority(protocol.Error("agent_error", "The tutor hit a problem. Please reconnect."))
				return nil
			}
		}
		msg, ok := protocol.FromEvent(ev)
		if !ok {
			continue
		}
		if err := c.Send(msg); err != nil {
			if errors.Is(err, errBackpressure) {
				c.logger.Warn("dropping outbound frame", "type", msg.Type)
				continue
			}
			return nil
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("live read ended", "error", err)
			}
			return nil
		}
		switch messageType {
		case websocket.BinaryMessage:
			c.forwardAudio(ctx, data)
		case websocket.TextMessage:
			c.dispatch(ctx, data)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, data []byte) {
	decoded, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.logger.Warn("ignoring client message", "error", err)
		return
	}
	switch msg := decoded.(type) {
	case protocol.ClientAudio:
		c.forwardAudio(ctx, msg.PCM)
	case protocol.ClientStartRecording:
		_ = c.Send(protocol.RecordingStarted())
	case protocol.ClientStopRecording:
		_ = c.Send(protocol.RecordingStopped())
	case protocol.ClientPing:
		_ = c.SendPriority(protocol.Pong())
	}
}

func (c *Conn) forwardAudio(ctx context.Context, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if !c.limiter.Allow(len(pcm)) {
		c.logger.Debug("inbound audio over limit", "bytes", len(pcm))
		return
	}
	if err := c.runtime.Send(ctx, c.sessionID, agent.Input{Audio: pcm}); err != nil {
		if ctx.Err() != nil || errors.Is(err, core.ErrTransportGone) {
			return
		}
		c.logger.Warn("forward audio failed", "error", err)
	}
}

// Send queues msg behind earlier audio and text.
func (c *Conn) Send(msg protocol.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueueNormal(outboundFrame{payload: payload})
}

// SendPriority queues msg ahead of audio and text.
func (c *Conn) SendPriority(msg protocol.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueuePriority(outboundFrame{payload: payload})
}

func (c *Conn) Warn(code, message string) error {
	return c.SendPriority(protocol.Warning(code, message))
}

func (c *Conn) enqueueNormal(frame outboundFrame) error {
	if c.ctx.Err() != nil {
		return core.ErrTransportGone
	}
	select {
	case c.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (c *Conn) enqueuePriority(frame outboundFrame) error {
	if c.ctx.Err() != nil {
		return core.ErrTransportGone
	}
	for i := 0; i < 4; i++ {
		select {
		case c.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-c.outboundPriority:
		default:
		}
	}
	select {
	case c.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func isTransportClosed(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) || errors.Is(err, websocket.ErrCloseSent)
}
