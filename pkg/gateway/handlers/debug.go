package handlers

import (
	"net/http"

	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/sessions"
)

// LiveSessions is the read side of the live connection manager.
type LiveSessions interface {
	State(sessionID string) sessions.State
	Count() int
}

// DebugSessionsHandler handles GET /debug/sessions.
type DebugSessionsHandler struct {
	Registry *session.Registry
	Live     LiveSessions
	Captures interface{ PendingCount() int }
}

func (h DebugSessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type debugSession struct {
		SessionID string        `json:"session_id"`
		LiveState string        `json:"live_state"`
		Status    sessionStatus `json:"status"`
	}

	snaps := h.Registry.List()
	out := make([]debugSession, 0, len(snaps))
	for _, snap := range snaps {
		ds := debugSession{SessionID: snap.ID, Status: statusFromSnapshot(snap)}
		if h.Live != nil {
			ds.LiveState = string(h.Live.State(snap.ID))
		}
		out = append(out, ds)
	}

	resp := map[string]any{
		"active_sessions": len(out),
		"sessions":        out,
	}
	if h.Live != nil {
		resp["websocket_connections"] = h.Live.Count()
	}
	if h.Captures != nil {
		resp["pending_captures"] = h.Captures.PendingCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
