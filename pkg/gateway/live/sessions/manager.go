// Package sessions enforces one live connection per tutoring session and
// coordinates its teardown with the session registry.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
	coresession "github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/upload"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/protocol"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/session"
)

// OwnerName is the registry owner name for live connections.
const OwnerName = "connection"

const (
	defaultFinishTimeout = 5 * time.Second
	defaultReconnectWait = 2 * time.Second
	runtimeCloseTimeout  = 10 * time.Second
	shareTimeout         = 30 * time.Second
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateEnding       State = "ending"
)

type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	DuplicateRejected()
}

type Options struct {
	Conn     session.Config
	Logger   *slog.Logger
	Observer Observer
	// FinishTimeout bounds how long a disconnect waits for the connection
	// goroutines before closing the agent session anyway.
	FinishTimeout time.Duration
	// ReconnectWait is how long Connect waits for a connection that is
	// already ending to free the slot before refusing the new one.
	ReconnectWait time.Duration
}

type Manager struct {
	registry *coresession.Registry
	runtime  agent.Runtime
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	state    State
	conn     *session.Conn
	once     sync.Once
	released chan struct{}
}

// New builds a Manager and attaches it to registry, so removing a session
// closes its connection.
func New(registry *coresession.Registry, runtime agent.Runtime, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = defaultFinishTimeout
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = defaultReconnectWait
	}
	m := &Manager{
		registry: registry,
		runtime:  runtime,
		opts:     opts,
		logger:   opts.Logger.With("component", "live_sessions"),
		entries:  make(map[string]*entry),
	}
	registry.Attach(OwnerName, coresession.Hooks{
		Release: m.release,
		Busy:    func(id string) bool { return m.State(id) == StateConnected },
		Holds:   func(id string) bool { return m.State(id) != StateDisconnected },
	})
	return m
}

// Connect claims the session's connection slot, opens the agent session and
// wraps ws. A connection that is still ending gets ReconnectWait to let go of
// the slot; any other existing connection makes Connect fail with
// core.ErrDuplicateConnection and is left alone.
// The caller runs the returned Conn and calls Detach when Run returns.
func (m *Manager) Connect(ctx context.Context, sessionID string, ws *websocket.Conn) (*session.Conn, error) {
	e := &entry{state: StateConnecting, released: make(chan struct{})}
	deadline := time.Now().Add(m.opts.ReconnectWait)
	for {
		sess, _, err := m.registry.Create(sessionID)
		if err != nil {
			return nil, err
		}
		var ending *entry
		err = sess.Guard(func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, busy := m.entries[sessionID]; busy {
				if cur.state == StateEnding {
					ending = cur
				}
				return core.ErrDuplicateConnection
			}
			m.entries[sessionID] = e
			m.wg.Add(1)
			return nil
		})
		if err == nil {
			break
		}
		if ending != nil && m.awaitRelease(ctx, ending, deadline) {
			m.logger.Debug("previous live connection released", "session_id", sessionID)
			continue
		}
		if errors.Is(err, core.ErrDuplicateConnection) {
			m.logger.Warn("duplicate live connection rejected", "session_id", sessionID)
			if m.opts.Observer != nil {
				m.opts.Observer.DuplicateRejected()
			}
		}
		return nil, err
	}

	stream, err := m.runtime.Open(ctx, sessionID)
	if err != nil {
		m.finish(sessionID, e)
		return nil, fmt.Errorf("open agent session: %w", err)
	}
	conn, err := session.New(session.Dependencies{
		WS:        ws,
		Runtime:   m.runtime,
		Stream:    stream,
		SessionID: sessionID,
		Logger:    m.opts.Logger,
		Config:    m.opts.Conn,
	})
	if err != nil {
		_ = stream.Close()
		m.finish(sessionID, e)
		return nil, err
	}

	m.mu.Lock()
	if m.entries[sessionID] != e {
		// Released while the agent session was opening.
		m.mu.Unlock()
		_ = stream.Close()
		return nil, core.ErrSessionNotFound
	}
	e.conn = conn
	e.state = StateConnected
	m.mu.Unlock()

	if m.opts.Observer != nil {
		m.opts.Observer.ConnectionOpened()
	}
	m.logger.Info("live connection accepted", "session_id", sessionID)
	return conn, nil
}

// awaitRelease waits for an ending connection to free its slot. It reports
// false when ctx ends or deadline passes first.
func (m *Manager) awaitRelease(ctx context.Context, e *entry, deadline time.Time) bool {
	wait := time.Until(deadline)
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-e.released:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Detach releases conn's slot once its Run returned. It does nothing if the
// slot already belongs to another connection.
func (m *Manager) Detach(conn *session.Conn) {
	if conn == nil {
		return
	}
	id := conn.SessionID()
	m.mu.Lock()
	e := m.entries[id]
	m.mu.Unlock()
	if e == nil || e.conn != conn {
		return
	}
	m.finish(id, e)
}

// Disconnect ends the session's live connection. Safe to call any number of
// times and from any goroutine; it reports whether a connection was found.
func (m *Manager) Disconnect(sessionID string) bool {
	m.mu.Lock()
	e := m.entries[sessionID]
	m.mu.Unlock()
	if e == nil {
		return false
	}
	m.finish(sessionID, e)
	return true
}

func (m *Manager) release(ctx context.Context, sessionID string) {
	m.mu.Lock()
	e := m.entries[sessionID]
	m.mu.Unlock()
	if e == nil {
		return
	}
	m.finish(sessionID, e)
	select {
	case <-e.released:
	case <-ctx.Done():
	}
}

// finish cancels the connection and, off the caller's goroutine, waits for it
// to stop, closes the agent session and frees the slot. The slot stays taken
// until the agent session is closed so a reconnect never races the close.
func (m *Manager) finish(sessionID string, e *entry) {
	e.once.Do(func() {
		m.mu.Lock()
		e.state = StateEnding
		conn := e.conn
		m.mu.Unlock()

		if conn != nil {
			conn.Cancel()
		}
		go func() {
			defer close(e.released)
			defer m.wg.Done()

			if conn != nil {
				select {
				case <-conn.Done():
				case <-time.After(m.opts.FinishTimeout):
					m.logger.Warn("live connection slow to stop", "session_id", sessionID)
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), runtimeCloseTimeout)
			defer cancel()
			if err := m.runtime.Close(ctx, sessionID); err != nil {
				m.logger.Warn("close agent session failed", "session_id", sessionID, "error", err)
			}

			m.mu.Lock()
			if m.entries[sessionID] == e {
				delete(m.entries, sessionID)
			}
			m.mu.Unlock()
			// The idle grace period starts once the slot is free.
			m.registry.Touch(sessionID)
			if conn != nil {
				if m.opts.Observer != nil {
					m.opts.Observer.ConnectionClosed()
				}
				m.logger.Info("live connection closed", "session_id", sessionID)
			}
		}()
	})
}

func (m *Manager) State(sessionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[sessionID]; e != nil {
		return e.state
	}
	return StateDisconnected
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) conn(sessionID string) *session.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[sessionID]; e != nil && e.state == StateConnected {
		return e.conn
	}
	return nil
}

// Notify sends msg to the session's client. It returns core.ErrTransportGone
// when no client is connected.
func (m *Manager) Notify(sessionID string, msg protocol.ServerMessage) error {
	c := m.conn(sessionID)
	if c == nil {
		return core.ErrTransportGone
	}
	return c.Send(msg)
}

func (m *Manager) NotifyImageReceived(sessionID string, info upload.ImageInfo) {
	err := m.Notify(sessionID, protocol.ImageReceived(map[string]any{
		"format":    info.Format,
		"width":     info.Width,
		"height":    info.Height,
		"file_size": info.FileSize,
	}))
	if err != nil && !errors.Is(err, core.ErrTransportGone) {
		m.logger.Warn("image notification failed", "session_id", sessionID, "error", err)
	}
}

// ShareImage hands img and the student's question to the agent without
// blocking the caller. The client hears image_analyzed once the agent took
// them, or image_error. It reports false when no client is connected.
func (m *Manager) ShareImage(sessionID string, img core.Image, userAsk string) bool {
	if m.conn(sessionID) == nil {
		return false
	}
	var inputs []agent.Input
	if !img.Empty() {
		inputs = append(inputs, agent.Input{Image: &img})
	}
	if userAsk != "" {
		inputs = append(inputs, agent.Input{Text: userAsk})
	}
	if len(inputs) == 0 {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shareTimeout)
		defer cancel()
		log := m.logger.With("session_id", sessionID)
		for _, in := range inputs {
			if err := m.runtime.Send(ctx, sessionID, in); err != nil {
				log.Warn("share image with agent failed", "error", err)
				m.notifyQuiet(sessionID, protocol.ImageError("Sorry, I couldn't look at that picture. Please try again."))
				return
			}
		}
		log.Debug("image shared with agent", "inputs", len(inputs))
		m.notifyQuiet(sessionID, protocol.ImageAnalyzed(userAsk))
	}()
	return true
}

func (m *Manager) notifyQuiet(sessionID string, msg protocol.ServerMessage) {
	if err := m.Notify(sessionID, msg); err != nil && !errors.Is(err, core.ErrTransportGone) {
		m.logger.Warn("notification failed", "session_id", sessionID, "type", msg.Type, "error", err)
	}
}

// TriggerCapture tells the connected client a picture is being taken. No
// connected client is not an error: the device may be watching the store.
func (m *Manager) TriggerCapture(_ context.Context, sessionID, reason string) error {
	err := m.Notify(sessionID, protocol.CaptureRequested(reason))
	if errors.Is(err, core.ErrTransportGone) {
		return nil
	}
	return err
}

func (m *Manager) conns() []*session.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Conn, 0, len(m.entries))
	for _, e := range m.entries {
		if e.conn != nil {
			out = append(out, e.conn)
		}
	}
	return out
}

func (m *Manager) WarnAll(code, message string) (sent int) {
	for _, c := range m.conns() {
		if c.Warn(code, message) == nil {
			sent++
		}
	}
	return sent
}

func (m *Manager) CancelAll() (canceled int) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if m.Disconnect(id) {
			canceled++
		}
	}
	return canceled
}

// Wait blocks until every connection has finished or ctx ends.
func (m *Manager) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
