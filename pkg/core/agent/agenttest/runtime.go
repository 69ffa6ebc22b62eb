// Package agenttest provides a scriptable in-memory agent.Runtime.
package agenttest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core/agent"
)

// Runtime records inputs and lets tests push events into open sessions.
type Runtime struct {
	// Tools, when set, is used by CallTool.
	Tools agent.Tools
	// OpenErr makes Open fail.
	OpenErr error
	// SendErr makes Send fail without recording the input.
	SendErr error
	// CloseHold, when set, makes Close wait until it is closed.
	CloseHold chan struct{}

	mu      sync.Mutex
	streams map[string]*Stream
	inputs  map[string][]agent.Input
	closes  map[string]int
	opens   map[string]int
}

func New() *Runtime {
	return &Runtime{
		streams: make(map[string]*Stream),
		inputs:  make(map[string][]agent.Input),
		closes:  make(map[string]int),
		opens:   make(map[string]int),
	}
}

func (r *Runtime) Open(_ context.Context, sessionID string) (agent.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	s := &Stream{
		events: make(chan agent.Event, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	r.streams[sessionID] = s
	r.opens[sessionID]++
	return s, nil
}

func (r *Runtime) Send(_ context.Context, sessionID string, in agent.Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return r.SendErr
	}
	r.inputs[sessionID] = append(r.inputs[sessionID], in)
	return nil
}

func (r *Runtime) Close(ctx context.Context, sessionID string) error {
	if r.CloseHold != nil {
		select {
		case <-r.CloseHold:
		case <-ctx.Done():
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes[sessionID]++
	if s := r.streams[sessionID]; s != nil {
		s.close()
		delete(r.streams, sessionID)
	}
	return nil
}

// Emit pushes ev to the open stream for sessionID.
func (r *Runtime) Emit(sessionID string, ev agent.Event) bool {
	s := r.stream(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

// End makes Next return io.EOF after buffered events drain.
func (r *Runtime) End(sessionID string) {
	if s := r.stream(sessionID); s != nil {
		s.mu.Lock()
		if !s.ended {
			s.ended = true
			close(s.events)
		}
		s.mu.Unlock()
	}
}

// Fail makes the next Next call return err.
func (r *Runtime) Fail(sessionID string, err error) {
	if s := r.stream(sessionID); s != nil {
		select {
		case s.errs <- err:
		default:
		}
	}
}

// CallTool plays the model asking for a tool: it emits the tool_call event
// and invokes Tools the way a live runtime would.
func (r *Runtime) CallTool(ctx context.Context, sessionID string, call agent.Call) (agent.Result, error) {
	if r.Tools == nil {
		return agent.Result{}, errors.New("agenttest: no tools configured")
	}
	r.Emit(sessionID, agent.Event{Kind: agent.EventToolCall, Tool: call.Name})
	return r.Tools.Invoke(ctx, sessionID, call)
}

func (r *Runtime) Inputs(sessionID string) []agent.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Input(nil), r.inputs[sessionID]...)
}

func (r *Runtime) Opens(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens[sessionID]
}

func (r *Runtime) Closes(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes[sessionID]
}

// WaitOpen polls until sessionID has an open stream.
func (r *Runtime) WaitOpen(sessionID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.stream(sessionID) != nil {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (r *Runtime) stream(sessionID string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[sessionID]
}

// Stream is the agent.Stream handed out by Runtime.
type Stream struct {
	events    chan agent.Event
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	ended bool
}

func (s *Stream) Next(ctx context.Context) (agent.Event, error) {
	select {
	case err := <-s.errs:
		return agent.Event{}, err
	default:
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			return agent.Event{}, io.EOF
		}
		return ev, nil
	case err := <-s.errs:
		return agent.Event{}, err
	case <-s.closed:
		return agent.Event{}, io.EOF
	case <-ctx.Done():
		return agent.Event{}, ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.close()
	return nil
}

func (s *Stream) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
