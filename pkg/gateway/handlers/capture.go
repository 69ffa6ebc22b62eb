package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/capture"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
)

// Capturer asks a session's device for a picture and waits for it.
type Capturer interface {
	RequestCapture(ctx context.Context, sessionID, reason string, timeout time.Duration) (core.Image, error)
}

type captureResponse struct {
	Success     bool   `json:"success"`
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	ContentType string `json:"content_type"`
	ImageData   string `json:"image_data"`
	SizeBytes   int    `json:"size_bytes"`
}

// CaptureHandler handles POST /sessions/{id}/capture. A zero timeout uses
// the rendezvous default; larger values are clamped by it.
type CaptureHandler struct {
	Capturer Capturer
	Logger   *slog.Logger
}

func (h CaptureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Reason         string  `json:"reason"`
		TimeoutSeconds float64 `json:"timeout_seconds"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeFailure(w, r, id, err)
		return
	}
	if req.TimeoutSeconds < 0 {
		writeFailure(w, r, id, core.NewInvalidRequestErrorWithParam("timeout_seconds must be >= 0", "timeout_seconds"))
		return
	}
	if req.Reason == "" {
		req.Reason = capture.DefaultReason
	}

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	img, err := h.Capturer.RequestCapture(r.Context(), id, req.Reason, timeout)
	if err != nil {
		writeFailure(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{
		Success:     true,
		SessionID:   id,
		Message:     "Image captured successfully",
		ContentType: img.MIMEType,
		ImageData:   base64.StdEncoding.EncodeToString(img.Data),
		SizeBytes:   len(img.Data),
	})
}

type takePictureResponse struct {
	Success          bool    `json:"success"`
	Message          string  `json:"message"`
	SessionID        string  `json:"session_id,omitempty"`
	ImageURL         string  `json:"image_url,omitempty"`
	ImageDescription *string `json:"image_description"`
}

// TakePictureHandler handles the legacy POST /take_picture. It creates the
// session when needed and reports capture failures that the caller can
// retry as success:false with status 200.
type TakePictureHandler struct {
	Registry *session.Registry
	Capturer Capturer
	Timeout  time.Duration
	Logger   *slog.Logger
}

func (h TakePictureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		UserAsk   string `json:"user_ask"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeFailure(w, r, "", err)
		return
	}
	if req.SessionID == "" {
		writeFailure(w, r, "", core.NewInvalidRequestErrorWithParam("session_id is required", "session_id"))
		return
	}
	if _, _, err := h.Registry.Create(req.SessionID); err != nil {
		writeFailure(w, r, req.SessionID, err)
		return
	}

	reason := req.UserAsk
	if reason == "" {
		reason = capture.DefaultReason
	}
	_, err := h.Capturer.RequestCapture(r.Context(), req.SessionID, reason, h.Timeout)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrCaptureTimeout):
		writeJSON(w, http.StatusOK, takePictureResponse{
			Message:   "Timeout waiting for image capture",
			SessionID: req.SessionID,
		})
		return
	case core.IsRecoverable(err):
		var coreErr *core.Error
		msg := err.Error()
		if errors.As(err, &coreErr) {
			msg = coreErr.Message
		}
		writeJSON(w, http.StatusOK, takePictureResponse{Message: msg, SessionID: req.SessionID})
		return
	default:
		writeFailure(w, r, req.SessionID, err)
		return
	}

	writeJSON(w, http.StatusOK, takePictureResponse{
		Success:   true,
		Message:   "Image captured successfully",
		SessionID: req.SessionID,
		ImageURL:  "/sessions/" + req.SessionID + "/image",
	})
}
