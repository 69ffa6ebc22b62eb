package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/docstore"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
)

// Registry owner names whose Busy hooks feed the status view.
const (
	ownerCapture    = "capture"
	ownerConnection = "connection"
)

type sessionStatus struct {
	Exists         bool       `json:"exists"`
	IsActive       bool       `json:"is_active"`
	HasImage       bool       `json:"has_image"`
	CapturePending bool       `json:"capture_pending"`
	CreatedAt      time.Time  `json:"created_at"`
	LastImageAt    *time.Time `json:"last_image_at,omitempty"`
}

func statusFromSnapshot(snap session.Snapshot) sessionStatus {
	return sessionStatus{
		Exists:         true,
		IsActive:       snap.Attached[ownerConnection],
		HasImage:       snap.HasImage,
		CapturePending: snap.Attached[ownerCapture],
		CreatedAt:      snap.CreatedAt,
		LastImageAt:    snap.LastImageAt,
	}
}

type sessionResponse struct {
	Success   bool           `json:"success"`
	SessionID string         `json:"session_id"`
	Message   string         `json:"message"`
	Status    *sessionStatus `json:"status,omitempty"`
}

// SessionsHandler serves the session lifecycle endpoints. Store is optional;
// when set, session documents are created alongside the record. Removal goes
// through the registry owner docstore.AttachRelease installs.
type SessionsHandler struct {
	Registry *session.Registry
	Store    docstore.Store
	Logger   *slog.Logger
}

func (h SessionsHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Create handles POST /sessions.
func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeFailure(w, r, "", err)
		return
	}
	sess, created, err := h.Registry.Create(req.SessionID)
	if err != nil {
		writeFailure(w, r, req.SessionID, err)
		return
	}
	if h.Store != nil {
		if _, err := h.Store.Ensure(r.Context(), sess.ID); err != nil {
			h.logger().Warn("ensure session document failed", "session_id", sess.ID, "error", err)
		}
	}

	snap, ok := h.Registry.Snapshot(sess.ID)
	if !ok {
		writeFailure(w, r, sess.ID, core.ErrSessionNotFound)
		return
	}
	st := statusFromSnapshot(snap)
	msg, status := "Session already exists", http.StatusOK
	if created {
		msg, status = "Session created successfully", http.StatusCreated
	}
	writeJSON(w, status, sessionResponse{
		Success:   true,
		SessionID: sess.ID,
		Message:   msg,
		Status:    &st,
	})
}

// Status handles GET /sessions/{id}/status.
func (h SessionsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := h.Registry.Snapshot(id)
	if !ok {
		writeFailure(w, r, id, core.ErrSessionNotFound)
		return
	}
	st := statusFromSnapshot(snap)
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:   true,
		SessionID: id,
		Message:   "Session status retrieved",
		Status:    &st,
	})
}

// Delete handles DELETE /sessions/{id}. Removal cancels a pending capture,
// closes the live connection and drops the session document before the
// record goes away.
func (h SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Registry.Remove(r.Context(), id); err != nil {
		writeFailure(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:   true,
		SessionID: id,
		Message:   "Session ended successfully",
	})
}

// Command handles GET /sessions/{id}/command for devices that poll the
// session document instead of subscribing to it.
func (h SessionsHandler) Command(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.Store == nil || !session.ValidateID(id) {
		writeError(w, r, core.ErrSessionNotFound)
		return
	}
	doc, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Image handles GET /sessions/{id}/image. The in-memory last image wins;
// otherwise the document's last image ref is resolved through the store.
func (h SessionsHandler) Image(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := h.Registry.Get(id)
	if !ok {
		writeError(w, r, core.ErrSessionNotFound)
		return
	}
	img, ok := sess.LastImage()
	if !ok && h.Store != nil {
		if doc, err := h.Store.Get(r.Context(), id); err == nil && doc.LastImageRef != "" {
			if stored, err := h.Store.GetImage(r.Context(), doc.LastImageRef); err == nil {
				img, ok = stored, true
			}
		}
	}
	if !ok || img.Empty() {
		writeError(w, r, &core.Error{Type: core.ErrNotFound, Code: "image_not_found", Message: "no image for this session"})
		return
	}

	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}
