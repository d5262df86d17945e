package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// rateLimitedCode is the JSON-RPC error code emitted on a denied request.
const rateLimitedCode = -32002

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// Middleware enforces the limiter per key. Denials are answered in-band
// as a JSON-RPC error object so clients see the same envelope as every
// other failure. Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, failing open", "key", key, "error", err)
				allowed = true
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimited answers with the JSON-RPC rate-limited error. The id
// is null because the body was never read.
func writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    rateLimitedCode,
			"message": "rate limited",
		},
	})
}

// IPKeyFunc extracts the client IP from the request for rate limiting.
// Uses RemoteAddr only. X-Forwarded-For is not trusted because the server
// may not be behind a reverse proxy that sanitizes the header, and any
// client can set an arbitrary value to bypass rate limiting.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// TokenKeyFunc keys by the bearer token when present, falling back to the
// client IP. Authenticated agents get per-token budgets.
func TokenKeyFunc(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		return "token:" + token
	}
	return "ip:" + IPKeyFunc(r)
}
