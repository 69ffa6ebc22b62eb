package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hwbuddy/hwbuddy-live/pkg/core"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/ratelimit"
)

// RateLimit throttles next per client address. A nil or disabled limiter
// passes everything through.
func RateLimit(limiter *ratelimit.Limiter, trustProxyHeaders bool, next http.Handler) http.Handler {
	if !limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.Allow(ratelimit.ClientKey(r, trustProxyHeaders), time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			WriteJSONError(w, http.StatusTooManyRequests, &core.Error{
				Type:      core.ErrRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
				Retryable: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
