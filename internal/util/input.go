package util

import (
	"net"
	"net/http"
	"strings"
)

// CleanInput trims whitespace and strips control characters from a
// client-supplied identifier before it reaches a store lookup.
func CleanInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// ClientIP returns the source IP for a request. The router rewrites
// RemoteAddr from forwarding headers only for trusted proxies.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
