package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
)

const (
	CaptureToolName        = "capture_image"
	CaptureToolDescription = "Take a picture of the student's homework with their camera so you can see what they are working on."
	defaultCaptureReason   = "To help with homework"
)

// Capturer is the capture rendezvous as seen by tools.
type Capturer interface {
	RequestCapture(ctx context.Context, sessionID, reason string, timeout time.Duration) (core.Image, error)
}

// CaptureTool implements capture_image. Recoverable capture outcomes are
// reported to the model as results, never as errors.
type CaptureTool struct {
	Capturer Capturer
	Timeout  time.Duration
	Logger   *slog.Logger
}

func (t CaptureTool) Invoke(ctx context.Context, sessionID string, call Call) (Result, error) {
	res := Result{ID: call.ID, Name: call.Name}
	if call.Name != CaptureToolName {
		res.Output = map[string]any{"error": fmt.Sprintf("unknown tool: %s", call.Name)}
		return res, nil
	}

	reason, _ := call.Args["reason"].(string)
	if reason == "" {
		reason = defaultCaptureReason
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	img, err := t.Capturer.RequestCapture(ctx, sessionID, reason, t.Timeout)
	switch {
	case err == nil:
		res.Output = map[string]any{
			"success":      true,
			"message":      "Image captured: " + reason,
			"content_type": img.MIMEType,
		}
		res.Image = &img
	case errors.Is(err, core.ErrCaptureInFlight):
		res.Output = map[string]any{
			"success": false,
			"status":  "pending",
			"message": "A picture is already being taken. Ask the student to wait a moment.",
		}
	case errors.Is(err, core.ErrCaptureTimeout):
		res.Output = map[string]any{
			"success": false,
			"status":  "timeout",
			"message": "I couldn't see your work in time. Ask the student to hold the page up to the camera and try again.",
		}
	case errors.Is(err, core.ErrCaptureCanceled):
		res.Output = map[string]any{
			"success": false,
			"status":  "canceled",
			"message": "The picture request was canceled.",
		}
	default:
		return Result{}, err
	}
	logger.Debug("capture tool finished", "session_id", sessionID, "success", err == nil)
	return res, nil
}
