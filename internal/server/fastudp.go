package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"

	dnsasm "github.com/atlasdns/atlasd/dnsasm/go"
	"github.com/atlasdns/atlasd/internal/transport"
)

// fastUDPBufSize is the receive buffer for one inbound packet; it equals
// the EDNS0 UDP size this server advertises (4096), with no headroom.
const fastUDPBufSize = 4096

// FastUDPListener is an optional, single-socket UDP listener that runs
// every inbound packet through dnsasm's assembly-optimized header parser
// before attempting the full miekg/dns unpack, so grossly malformed or
// truncated packets (the bulk of random internet noise and many scanner
// probes) are dropped in nanoseconds instead of paying a full Msg.Unpack.
// When enabled it replaces the SO_REUSEPORT dns.Server UDP listeners in
// server.go rather than running beside them — an operator enables it
// (EnableFastHeaderCheck) only on hosts where the dnsasm cgo build is
// available.
type FastUDPListener struct {
	addr string
	conn *net.UDPConn
	s    *Server

	wg      sync.WaitGroup
	closing chan struct{}

	rejected uint64
}

// NewFastUDPListener binds addr and wires it to feed accepted queries
// through s.HandleDNS. Unlike the standard UDP path (handleDNS) it does not
// serve AXFR/IXFR/UPDATE itself, so HandleDNS answers those with NOTIMP,
// and it sends no reply when HandleDNS returns an error.
func NewFastUDPListener(addr string, s *Server) (*FastUDPListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &FastUDPListener{addr: addr, conn: conn, s: s, closing: make(chan struct{})}, nil
}

// Start begins accepting packets in a background goroutine.
func (l *FastUDPListener) Start() {
	l.wg.Add(1)
	go l.serve()
}

// Stop closes the socket and waits for the accept loop to exit.
func (l *FastUDPListener) Stop() error {
	close(l.closing)
	err := l.conn.Close()
	l.wg.Wait()
	return err
}

func (l *FastUDPListener) serve() {
	defer l.wg.Done()
	buf := make([]byte, fastUDPBufSize)

	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closing:
				return
			default:
				continue
			}
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		go l.handlePacket(packet, raddr)
	}
}

func (l *FastUDPListener) handlePacket(packet []byte, raddr *net.UDPAddr) {
	if _, err := dnsasm.ParseHeader(packet); err != nil {
		l.rejected++
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		l.rejected++
		return
	}

	ctx := transport.WithClientIP(l.s.ctx, raddr.IP)
	resp, err := l.s.HandleDNS(ctx, req)
	if err != nil || resp == nil {
		return
	}

	out, err := resp.Pack()
	if err != nil {
		return
	}
	l.conn.WriteToUDP(out, raddr)
}

// RejectedCount returns the number of packets dnsasm's header parser (or
// the miekg/dns fallback unpack) rejected outright.
func (l *FastUDPListener) RejectedCount() uint64 { return l.rejected }
