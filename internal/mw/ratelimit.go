package mw

import (
	"net"
	"net/http"
	"strings"

	"github.com/l8e-harbor/harbor-gateway/internal/netx"
)

// IPResolver extracts the real client IP for a request, trusting
// X-Forwarded-For/X-Real-Ip only when the immediate peer is in Trusted —
// otherwise a spoofed header from an untrusted client could bypass
// per-client rate limiting.
type IPResolver struct {
	Trusted *netx.CIDRSet
}

func (r IPResolver) ClientIP(req *http.Request) string {
	remoteIP := parseRemoteIP(req.RemoteAddr)
	if remoteIP != nil && r.Trusted != nil && r.Trusted.Contains(remoteIP) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
					return ip.String()
				}
			}
		}
		if xrip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); xrip != nil {
			return xrip.String()
		}
	}
	if remoteIP != nil {
		return remoteIP.String()
	}
	return req.RemoteAddr
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}
