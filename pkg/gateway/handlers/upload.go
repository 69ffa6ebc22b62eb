package handlers

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/upload"
)

// multipartOverhead is allowed on top of the image ceiling for boundaries
// and the optional form fields. Oversized files still reach the ingress so
// they are rejected as invalid uploads rather than truncated bodies.
const (
	multipartOverhead  = 1 << 20
	multipartMaxMemory = 8 << 20
)

// Ingress accepts uploads and reports image status.
type Ingress interface {
	Accept(ctx context.Context, sessionID string, f upload.File) (upload.Receipt, error)
	Status(sessionID string) (upload.Status, error)
	MaxBytes() int64
}

type uploadResponse struct {
	upload.Receipt
	UserAsk string `json:"user_ask,omitempty"`
}

// UploadHandler handles POST /sessions/{id}/upload_image.
type UploadHandler struct {
	Ingress Ingress
	Logger  *slog.Logger
}

func (h UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !session.ValidateID(id) {
		writeFailure(w, r, id, core.NewInvalidRequestErrorWithParam("invalid session id format", "session_id"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Ingress.MaxBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, r, id, err)
			return
		}
		writeFailure(w, r, id, core.Wrap(core.ErrInvalidUpload, "request must be multipart/form-data"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeFailure(w, r, id, core.Wrap(core.ErrInvalidUpload, "missing file field"))
		return
	}
	defer file.Close()

	userAsk := r.FormValue("user_ask")
	rcpt, err := h.Ingress.Accept(r.Context(), id, upload.File{
		Filename:    header.Filename,
		ContentType: partContentType(header),
		Body:        file,
		UserAsk:     userAsk,
	})
	if err != nil {
		writeFailure(w, r, id, err)
		return
	}

	if userAsk != "" && h.Logger != nil {
		h.Logger.Info("upload carried a question", "session_id", id, "user_ask_len", len(userAsk), "shared", rcpt.SharedWithAgent)
	}
	writeJSON(w, http.StatusOK, uploadResponse{Receipt: rcpt, UserAsk: userAsk})
}

func partContentType(h *multipart.FileHeader) string {
	if h == nil {
		return ""
	}
	return h.Header.Get("Content-Type")
}

// ImageStatusHandler handles GET /sessions/{id}/image_status.
type ImageStatusHandler struct {
	Ingress Ingress
}

func (h ImageStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := h.Ingress.Status(id)
	if err != nil {
		writeFailure(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
