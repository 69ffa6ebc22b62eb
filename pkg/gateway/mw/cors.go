package mw

import (
	"net/http"
	"strings"
)

// The tutor web app calls the session, capture and upload routes from the
// browser. The live WebSocket does not go through CORS; its handler checks
// Origin against the same allowlist before upgrading.
const (
	corsAllowedMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowedHeaders  = "Content-Type, X-Request-ID"
	corsPreflightMaxAge = "600"
	// Retry-After comes with 429 from the upload limiter and 529 while draining.
	corsExposedHeaders = "X-Request-ID, Retry-After"
)

// CORS answers preflights and tags responses for the allowlisted origins of
// the student-facing clients. An empty allowlist turns CORS off and refuses
// every preflight.
func CORS(allowed map[string]struct{}, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		_, ok := allowed[origin]
		ok = ok && origin != ""

		if isPreflight(r) {
			if !ok {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			allowOrigin(w.Header(), origin)
			w.Header().Add("Vary", "Access-Control-Request-Method")
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", corsPreflightMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if ok {
			allowOrigin(w.Header(), origin)
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

// allowOrigin echoes origin back with credentials allowed.
func allowOrigin(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
}
