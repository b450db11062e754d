package gate

import (
	"net"
	"net/http"
	"strings"

	"agentfactory/internal/blacklist"
)

// ExtractIdentifier picks the client address used as the blacklist key:
// the first X-Forwarded-For hop, then X-Real-IP, then the socket peer.
// In production, private and loopback results mean a misconfigured proxy
// chain and yield "".
func ExtractIdentifier(r *http.Request, production bool) string {
	if r == nil {
		return ""
	}

	candidates := make([]string, 0, 3)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		candidates = append(candidates, first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		candidates = append(candidates, realIP)
	}
	candidates = append(candidates, hostOnly(r.RemoteAddr))

	for _, candidate := range candidates {
		normalized := blacklist.NormalizeIdentifier(candidate)
		ip := net.ParseIP(normalized)
		if ip == nil {
			continue
		}
		if production && isInternal(ip) {
			return ""
		}
		return normalized
	}
	return ""
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func isInternal(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
