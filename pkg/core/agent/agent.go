// Package agent is the boundary to the conversational runtime that hears the
// student and answers with audio and text.
package agent

import (
	"context"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
)

// Input is one piece of user input for a session.
type Input struct {
	Audio []byte
	Text  string
	Image *core.Image
}

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventAudio        EventKind = "audio"
	EventText         EventKind = "text"
	EventToolCall     EventKind = "tool_call"
	EventTurnComplete EventKind = "turn_complete"
	EventInterrupted  EventKind = "interrupted"
	// EventRaw passes a runtime-specific event through untouched.
	EventRaw EventKind = "raw"
)

type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Tool  string
	// Type and Data describe an EventRaw.
	Type string
	Data map[string]any
}

// Stream yields agent events for one session. Next returns io.EOF once the
// runtime ends the session normally.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Runtime runs agent turns per session.
type Runtime interface {
	Open(ctx context.Context, sessionID string) (Stream, error)
	Send(ctx context.Context, sessionID string, in Input) error
	// Close ends the runtime session. Idempotent.
	Close(ctx context.Context, sessionID string) error
}

// Call is a tool invocation requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result answers a Call. Image, when set, is forwarded to the model as
// visual input alongside the response.
type Result struct {
	ID     string
	Name   string
	Output map[string]any
	Image  *core.Image
}

// Tools executes named tools on behalf of the model.
type Tools interface {
	Invoke(ctx context.Context, sessionID string, call Call) (Result, error)
}
