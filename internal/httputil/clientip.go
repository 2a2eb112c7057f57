// Package httputil provides small HTTP helpers; within the proxy the HTTP
// middleware package is their only importer.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the best-effort client IP address from the request for
// the transaction safety log's client-identity fields.
//
// If the direct peer is on a private network (typical for ingress/proxy),
// X-Forwarded-For / X-Real-IP are trusted; otherwise they are ignored as
// spoofable and RemoteAddr is used.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	remoteIP := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}

	parsedRemote := net.ParseIP(remoteIP)
	trustForwarded := parsedRemote != nil && (parsedRemote.IsPrivate() || parsedRemote.IsLoopback() || parsedRemote.IsLinkLocalUnicast())

	if trustForwarded {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := strings.TrimSpace(parts[0])
				if host, _, err := net.SplitHostPort(candidate); err == nil {
					candidate = host
				}
				if candidate != "" {
					return candidate
				}
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if host, _, err := net.SplitHostPort(xri); err == nil {
				xri = host
			}
			if xri != "" {
				return xri
			}
		}
	}

	return remoteIP
}
