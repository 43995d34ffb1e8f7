package server

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasdns/atlasd/internal/security"
	"github.com/atlasdns/atlasd/internal/transport"
	"github.com/atlasdns/atlasd/internal/zone"
)

func buildServerZone(t *testing.T) *zone.Zone {
	t.Helper()
	z := zone.New("example.com")
	require.NoError(t, z.AddRecord(&dns.SOA{
		Hdr:     dns.RR_Header{Name: z.Origin, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:      "ns1." + z.Origin,
		Mbox:    "admin." + z.Origin,
		Serial:  1,
		Refresh: 7200, Retry: 3600, Expire: 1209600, Minttl: 300,
	}))
	require.NoError(t, z.AddRecord(&dns.NS{
		Hdr: dns.RR_Header{Name: z.Origin, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600},
		Ns:  "ns1." + z.Origin,
	}))
	require.NoError(t, z.AddRecord(&dns.A{
		Hdr: dns.RR_Header{Name: "ns1." + z.Origin, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600},
		A:   net.ParseIP("192.0.2.53"),
	}))
	require.NoError(t, z.AddRecord(&dns.A{
		Hdr: dns.RR_Header{Name: "www." + z.Origin, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP("192.0.2.1"),
	}))
	return z
}

func minimalConfig() Config {
	return Config{
		UDPAddr:             ":0",
		TCPAddr:             ":0",
		EnableAuthoritative: true,
		EnableRecursive:     false,
		EnableCookies:       false,
		EnableRRL:           false,
		Security:            security.GateConfig{},
	}
}

// Scenario 1 (spec.md §8): an authoritative A query is answered directly
// from the loaded zone, with the authoritative bit set.
func TestServerHandleDNSAuthoritativeA(t *testing.T) {
	cfg := minimalConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	require.NoError(t, s.AddZone(buildServerZone(t)))

	q := new(dns.Msg)
	q.SetQuestion("www.example.com.", dns.TypeA)

	resp, err := s.HandleDNS(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", a.A.String())
}

// Scenario 2 (spec.md §8): a name absent from the zone is answered
// NXDOMAIN with the zone's SOA in the authority section.
func TestServerHandleDNSNXDOMAINWithSOA(t *testing.T) {
	cfg := minimalConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	require.NoError(t, s.AddZone(buildServerZone(t)))

	q := new(dns.Msg)
	q.SetQuestion("nosuchname.example.com.", dns.TypeA)

	resp, err := s.HandleDNS(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Len(t, resp.Ns, 1)
	_, ok := resp.Ns[0].(*dns.SOA)
	assert.True(t, ok)
}

// A query for a zone this server isn't authoritative for, with recursion
// disabled, is refused rather than silently dropped.
func TestServerHandleDNSRefusedWithoutRecursion(t *testing.T) {
	cfg := minimalConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	require.NoError(t, s.AddZone(buildServerZone(t)))

	q := new(dns.Msg)
	q.SetQuestion("other.test.", dns.TypeA)

	resp, err := s.HandleDNS(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

// Scenario 5 (spec.md §8): a client blacklisted at the security gate is
// refused before the authority store is ever consulted.
func TestServerHandleDNSSecurityGateBlocks(t *testing.T) {
	cfg := minimalConfig()
	cfg.Security = security.GateConfig{Blacklist: []string{"198.51.100.0/24"}}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	require.NoError(t, s.AddZone(buildServerZone(t)))

	q := new(dns.Msg)
	q.SetQuestion("www.example.com.", dns.TypeA)

	ctx := transport.WithClientIP(context.Background(), net.ParseIP("198.51.100.7"))
	resp, err := s.HandleDNS(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)

	stats := s.GetStats()
	assert.EqualValues(t, 1, stats.Errors)
}

// An empty question section is a format error, not a crash.
func TestServerHandleDNSEmptyQuestion(t *testing.T) {
	cfg := minimalConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	q := new(dns.Msg)
	resp, err := s.HandleDNS(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
}

// AXFR/IXFR and dynamic-update opcodes reach HandleDNS's single-message
// kernel (e.g. via DoT/DoH, which have no streaming ResponseWriter) and
// are rejected as not implemented; the UDP/TCP path intercepts them
// earlier, in handleDNS, where a real ResponseWriter is available.
func TestServerHandleDNSRejectsStreamingOpcodes(t *testing.T) {
	cfg := minimalConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	require.NoError(t, s.AddZone(buildServerZone(t)))

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeAXFR)

	resp, err := s.HandleDNS(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNotImplemented, resp.Rcode)
}

func TestServerAddZoneRejectsNil(t *testing.T) {
	s, err := New(minimalConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	assert.Error(t, s.AddZone(nil))
}

func TestServerGetZoneRoundTrip(t *testing.T) {
	s, err := New(minimalConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	z := buildServerZone(t)
	require.NoError(t, s.AddZone(z))

	got := s.GetZone("example.com.")
	require.NotNil(t, got)
	assert.Equal(t, z.Origin, got.Origin)

	s.RemoveZone("example.com.")
	assert.Nil(t, s.GetZone("example.com."))
}
