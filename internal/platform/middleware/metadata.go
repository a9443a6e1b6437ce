package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"attest/pkg/requestcontext"
)

// ClientMetadata extracts the client IP and a condensed user agent
// description from the request and adds them to the context. Audit events
// and signatures record both, so this runs early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(),
			clientIPFromRequest(r),
			describeUserAgent(r.Header.Get("User-Agent")),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// describeUserAgent condenses a raw User-Agent header into a stable
// "browser version (os)" description. Unparseable agents pass through raw
// so nothing is lost from the audit trail.
func describeUserAgent(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		return raw
	}
	if os := ua.OS(); os != "" {
		return fmt.Sprintf("%s %s (%s)", name, version, os)
	}
	return fmt.Sprintf("%s %s", name, version)
}

// clientIPFromRequest extracts the original client IP, handling proxies and
// load balancers.
func clientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can carry multiple IPs; the first is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	// RemoteAddr is "ip:port" for IPv4 and "[::1]:port" for IPv6.
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}
	return "unknown"
}
