package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/apierror"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/mw"
)

const maxJSONBodyBytes = 64 << 10

// failure is the body of an unsuccessful session, upload or capture call.
// Mobile clients branch on success; error carries the canonical detail.
type failure struct {
	Success   bool        `json:"success"`
	SessionID string      `json:"session_id,omitempty"`
	Message   string      `json:"message"`
	Error     *core.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	writeJSON(w, status, apierror.Envelope{Error: coreErr})
}

// writeError maps err to its canonical envelope and status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	coreErr, status := apierror.FromError(err, reqID)
	writeCoreErrorJSON(w, reqID, coreErr, status)
}

func writeFailure(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	coreErr, status := apierror.FromError(err, reqID)
	writeJSON(w, status, failure{
		SessionID: sessionID,
		Message:   coreErr.Message,
		Error:     coreErr,
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeCoreErrorJSON(w, reqID, &core.Error{
		Type:    core.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	}, http.StatusMethodNotAllowed)
}

// decodeJSONBody decodes a small JSON object into v. An empty body leaves v
// untouched.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return core.NewInvalidRequestError("request body must be a JSON object")
	}
	return nil
}
