package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP address from the request.
//
// Only set trustProxy behind a trusted reverse proxy: X-Forwarded-For is
// client-controlled otherwise. With trustProxy, the leftmost valid entry of
// X-Forwarded-For wins, then X-Real-IP, then the connection address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
		if xri := r.Header.Get("X-Real-IP"); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
