package transport

import (
	"context"
	"net"
)

type contextKey int

const clientIPKey contextKey = 0

// WithClientIP attaches the peer address a query arrived from to ctx, so a
// Handler reached through DoT/DoH (which only see a decoded *dns.Msg, not a
// dns.ResponseWriter) can still apply IP-based policy like the security
// gate and RRL.
func WithClientIP(ctx context.Context, ip net.IP) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the IP WithClientIP attached, if any.
func ClientIPFromContext(ctx context.Context) net.IP {
	ip, _ := ctx.Value(clientIPKey).(net.IP)
	return ip
}
