package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/miniblog-server/internal/log"
)

// requireNonPublicNetwork rejects requests whose source IP is not loopback,
// private, or link-local. The admin port should never be reachable from the
// public internet, but the listener binds all interfaces, so fail closed.
func requireNonPublicNetwork(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			logger.Warn(r.Context(), "admin request with unparseable remote addr", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil {
			logger.Warn(r.Context(), "admin request with invalid remote IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		// Unmap IPv4-mapped IPv6 so the IsPrivate checks see the IPv4 form.
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			logger.Warn(r.Context(), "admin request from public network rejected", "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
