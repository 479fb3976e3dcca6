package api

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/flightdeck-ai/flightdeck/internal/limits"
)

// RateLimitMiddleware rejects over-limit clients before the chat pipeline
// runs, so throttled requests never produce a trace.
func RateLimitMiddleware(limiter *limits.Limiter, onRejected func(code string), next http.Handler) http.Handler {
	if !limiter.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := limiter.Allow(clientKey(r))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		if onRejected != nil {
			onRejected(decision.Code)
		}
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, decision.Message+"\n")
	})
}

// clientKey identifies the caller for rate limiting: the first hop of
// X-Forwarded-For when present, otherwise the connection peer address.
func clientKey(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
