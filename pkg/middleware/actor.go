package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/ekaya-inc/ekaya-vault/pkg/audit"
)

// RequestActor attaches the caller's address and user agent to the request
// context so audit events recorded while serving it carry them. An actor
// already set by an outer layer is extended, not replaced.
func RequestActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := audit.ActorFromContext(r.Context())
		if actor.ClientIP == "" {
			actor.ClientIP = clientIP(r)
		}
		if actor.UserAgent == "" {
			actor.UserAgent = r.UserAgent()
		}
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	})
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
