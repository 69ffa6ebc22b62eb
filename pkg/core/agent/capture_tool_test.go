package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
)

type stubCapturer struct {
	img    core.Image
	err    error
	reason string
	wait   time.Duration
}

func (s *stubCapturer) RequestCapture(_ context.Context, _ string, reason string, timeout time.Duration) (core.Image, error) {
	s.reason = reason
	s.wait = timeout
	return s.img, s.err
}

func TestCaptureTool_Success(t *testing.T) {
	c := &stubCapturer{img: core.Image{Data: []byte("jpeg"), MIMEType: "image/jpeg"}}
	tool := CaptureTool{Capturer: c, Timeout: 7 * time.Second}

	res, err := tool.Invoke(context.Background(), "session-1", Call{ID: "call-1", Name: CaptureToolName, Args: map[string]any{"reason": "check problem 3"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.ID != "call-1" || res.Output["success"] != true || res.Image == nil || string(res.Image.Data) != "jpeg" {
		t.Fatalf("result=%+v", res)
	}
	if c.reason != "check problem 3" || c.wait != 7*time.Second {
		t.Fatalf("capturer got reason=%q timeout=%s", c.reason, c.wait)
	}
}

func TestCaptureTool_DefaultReason(t *testing.T) {
	c := &stubCapturer{}
	if _, err := (CaptureTool{Capturer: c}).Invoke(context.Background(), "session-1", Call{Name: CaptureToolName}); err != nil {
		t.Fatal(err)
	}
	if c.reason != defaultCaptureReason {
		t.Fatalf("reason=%q", c.reason)
	}
}

func TestCaptureTool_RecoverableOutcomes(t *testing.T) {
	tests := []struct {
		err    error
		status string
	}{
		{core.ErrCaptureInFlight, "pending"},
		{core.Wrap(core.ErrCaptureTimeout, "no picture received within 25s"), "timeout"},
		{core.ErrCaptureCanceled, "canceled"},
	}
	for _, tt := range tests {
		tool := CaptureTool{Capturer: &stubCapturer{err: tt.err}}
		res, err := tool.Invoke(context.Background(), "session-1", Call{Name: CaptureToolName})
		if err != nil {
			t.Fatalf("%v: got error %v", tt.err, err)
		}
		if res.Output["success"] != false || res.Output["status"] != tt.status || res.Image != nil {
			t.Fatalf("%v: output=%v", tt.err, res.Output)
		}
	}
}

func TestCaptureTool_HardErrorPropagates(t *testing.T) {
	tool := CaptureTool{Capturer: &stubCapturer{err: core.ErrSessionNotFound}}
	if _, err := tool.Invoke(context.Background(), "session-1", Call{Name: CaptureToolName}); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestCaptureTool_UnknownTool(t *testing.T) {
	tool := CaptureTool{Capturer: &stubCapturer{}}
	res, err := tool.Invoke(context.Background(), "session-1", Call{Name: "solve_for_me"})
	if err != nil || res.Output["error"] != "unknown tool: solve_for_me" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}
