package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	coresession "github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/apierror"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/lifecycle"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/protocol"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/mw"
)

const wsCloseWriteTimeout = 2 * time.Second

// LiveConnector claims the single live slot of a session.
type LiveConnector interface {
	Connect(ctx context.Context, sessionID string, ws *websocket.Conn) (*session.Conn, error)
	Detach(conn *session.Conn)
}

// LiveHandler handles GET /ws/audio/{id} websocket sessions.
type LiveHandler struct {
	Live           LiveConnector
	AllowedOrigins map[string]struct{}
	Lifecycle      *lifecycle.Lifecycle
	Logger         *slog.Logger
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "server is draining", Code: "draining", Retryable: true}, 529)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin", Code: "origin_not_allowed"}, http.StatusForbidden)
		return
	}
	sessionID := r.PathValue("id")
	if !coresession.ValidateID(sessionID) {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("invalid session id format", "session_id"), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	log := h.logger().With("session_id", sessionID, "request_id", reqID)
	conn, err := h.Live.Connect(r.Context(), sessionID, ws)
	if err != nil {
		h.rejectWS(ws, reqID, err)
		_ = ws.Close()
		log.Info("live connection refused", "error", err)
		return
	}
	defer h.Live.Detach(conn)

	if err := conn.Run(); err != nil {
		log.Info("live connection ended", "error", err)
		return
	}
	log.Info("live connection ended")
}

// rejectWS reports a failed connect on an upgraded socket: one error frame,
// then the close frame. A duplicate session closes with its own code so the
// client can tell it apart from a server fault.
func (h LiveHandler) rejectWS(ws *websocket.Conn, reqID string, err error) {
	coreErr, _ := apierror.FromError(err, reqID)
	code := coreErr.Code
	if code == "" {
		code = string(coreErr.Type)
	}
	closeCode := websocket.CloseInternalServerErr
	switch {
	case errors.Is(err, core.ErrDuplicateConnection):
		closeCode = protocol.CloseDuplicateSession
	case coreErr.Type == core.ErrInvalidRequest:
		closeCode = websocket.CloseUnsupportedData
	}

	deadline := time.Now().Add(wsCloseWriteTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(protocol.Error(code, coreErr.Message))
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, truncateCloseReason(coreErr.Message)), deadline)
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.AllowedOrigins) == 0 {
		return false
	}
	_, ok := h.AllowedOrigins[origin]
	return ok
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger.With("component", "live_handler")
}

// Close frame payloads are limited to 125 bytes, two of which hold the code.
func truncateCloseReason(s string) string {
	const max = 123
	if len(s) <= max {
		return s
	}
	return s[:max]
}
