package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startTestServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	udpSrv := &dns.Server{PacketConn: pc, Handler: handler}
	go udpSrv.ActivateAndServe()
	t.Cleanup(func() { udpSrv.Shutdown() })

	addr := pc.LocalAddr().String()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	tcpSrv := &dns.Server{Listener: ln, Handler: handler}
	go tcpSrv.ActivateAndServe()
	t.Cleanup(func() { tcpSrv.Shutdown() })

	return addr
}

func TestQueryReturnsAnswer(t *testing.T) {
	addr := startTestServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR("example.com. 300 IN A 192.0.2.1")
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})

	c := New(Config{Timeout: 2 * time.Second})
	resp, err := c.Query(context.Background(), addr, "example.com.", dns.TypeA, dns.ClassINET, false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
}

func TestQueryFallsBackToTCPOnTruncation(t *testing.T) {
	addr := startTestServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
			m.Truncated = true
			w.WriteMsg(m)
			return
		}
		rr, _ := dns.NewRR("example.com. 300 IN A 192.0.2.1")
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})

	c := New(Config{Timeout: 2 * time.Second})
	resp, err := c.Query(context.Background(), addr, "example.com.", dns.TypeA, dns.ClassINET, false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Truncated {
		t.Fatal("expected non-truncated response after tcp fallback")
	}
}
