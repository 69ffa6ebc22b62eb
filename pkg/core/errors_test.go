package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "session_id is required",
	}

	expected := "invalid_request_error: session_id is required"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	expected := "timeout_error: timed out waiting for the camera to send a picture (code: capture_timeout)"
	if ErrCaptureTimeout.Error() != expected {
		t.Errorf("Error() = %q, want %q", ErrCaptureTimeout.Error(), expected)
	}
}

func TestWrap_MatchesSentinel(t *testing.T) {
	err := Wrap(ErrInvalidUpload, "unsupported file type: text/plain")
	if !errors.Is(err, ErrInvalidUpload) {
		t.Fatalf("wrapped error does not match sentinel")
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("wrapped error matched unrelated sentinel")
	}
	if err.Message != "unsupported file type: text/plain" {
		t.Fatalf("Message = %q", err.Message)
	}
	if ErrInvalidUpload.Message != "invalid upload" {
		t.Fatalf("sentinel was mutated: %q", ErrInvalidUpload.Message)
	}
}

func TestWrap_ThroughFmtErrorf(t *testing.T) {
	err := fmt.Errorf("request capture: %w", Wrap(ErrCaptureInFlight, ""))
	if !errors.Is(err, ErrCaptureInFlight) {
		t.Fatalf("errors.Is through fmt wrap failed")
	}
}

func TestWrapCause_Unwraps(t *testing.T) {
	err := WrapCause(ErrCaptureCanceled, "session removed", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause not reachable")
	}
	if !errors.Is(err, ErrCaptureCanceled) {
		t.Fatalf("sentinel not matched")
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrCaptureInFlight, true},
		{Wrap(ErrCaptureTimeout, "no picture after 2s"), true},
		{ErrCaptureCanceled, true},
		{ErrSessionNotFound, false},
		{ErrInvalidUpload, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsRecoverable(tt.err); got != tt.want {
			t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("too many uploads")
	if err.Type != ErrRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrRateLimit)
	}
	if !err.Retryable {
		t.Errorf("Retryable = false, want true")
	}
}
