package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// SessionHeader carries the caller session id for session-scoped limits.
const SessionHeader = "X-Session-ID"

// ClientIP resolves the caller address from proxy headers or the socket.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func SessionID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie("session_id"); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
