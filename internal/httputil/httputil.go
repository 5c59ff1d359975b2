// Package httputil provides small HTTP helpers shared by the endpoint
// handler and the authentication middleware.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller's IP for rate limiting. When trustProxy
// is set the X-Forwarded-For and X-Real-IP headers are consulted;
// otherwise the connection's remote address is authoritative, because
// anyone can forge forwarding headers.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			// First hop is the original client.
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			if ip := strings.TrimSpace(fwd); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SafeTruncate shortens sensitive values for logging, keeping just
// enough prefix to correlate.
func SafeTruncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
