package xfer

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasdns/atlasd/internal/authority"
	"github.com/atlasdns/atlasd/internal/zone"
)

// fakeResponseWriter is a minimal dns.ResponseWriter double that records
// every message it's asked to write, for asserting on AXFR/IXFR framing
// without a real network connection.
type fakeResponseWriter struct {
	msgs       []*dns.Msg
	tsigErr    error
	remoteAddr net.Addr
}

func (f *fakeResponseWriter) LocalAddr() net.Addr  { return &net.TCPAddr{} }
func (f *fakeResponseWriter) RemoteAddr() net.Addr {
	if f.remoteAddr != nil {
		return f.remoteAddr
	}
	return &net.TCPAddr{}
}
func (f *fakeResponseWriter) WriteMsg(m *dns.Msg) error { f.msgs = append(f.msgs, m); return nil }
func (f *fakeResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeResponseWriter) Close() error                { return nil }
func (f *fakeResponseWriter) TsigStatus() error            { return f.tsigErr }
func (f *fakeResponseWriter) TsigTimersOnly(bool)          {}
func (f *fakeResponseWriter) Hijack()                      {}

func buildTransferZone(t *testing.T) *zone.Zone {
	t.Helper()
	z := zone.New("example.com")
	require.NoError(t, z.AddRecord(&dns.SOA{
		Hdr:     dns.RR_Header{Name: z.Origin, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:      "ns1." + z.Origin,
		Mbox:    "admin." + z.Origin,
		Serial:  100,
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
		Hdr: dns.RR_Header{Name: "www." + z.Origin, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600},
		A:   net.ParseIP("192.0.2.1"),
	}))
	return z
}

func TestServeAXFRBracketsWithSOA(t *testing.T) {
	authStore := authority.New()
	z := buildTransferZone(t)
	authStore.AddZone(z)

	m, err := NewManager(Config{AllowAXFR: true, HistoryLimit: 10}, authStore)
	require.NoError(t, err)

	r := new(dns.Msg)
	r.SetQuestion(z.Origin, dns.TypeAXFR)

	w := &fakeResponseWriter{}
	require.NoError(t, m.ServeAXFR(w, r, net.ParseIP("198.51.100.10")))

	require.GreaterOrEqual(t, len(w.msgs), 2)
	first := w.msgs[0]
	last := w.msgs[len(w.msgs)-1]
	require.Len(t, first.Answer, 1)
	require.Len(t, last.Answer, 1)

	firstSOA, ok := first.Answer[0].(*dns.SOA)
	require.True(t, ok)
	assert.EqualValues(t, 100, firstSOA.Serial)

	lastSOA, ok := last.Answer[0].(*dns.SOA)
	require.True(t, ok)
	assert.EqualValues(t, 100, lastSOA.Serial)
}

func TestServeAXFRRefusedWhenDisabled(t *testing.T) {
	authStore := authority.New()
	z := buildTransferZone(t)
	authStore.AddZone(z)

	m, err := NewManager(Config{AllowAXFR: false}, authStore)
	require.NoError(t, err)

	r := new(dns.Msg)
	r.SetQuestion(z.Origin, dns.TypeAXFR)
	w := &fakeResponseWriter{}
	require.NoError(t, m.ServeAXFR(w, r, net.ParseIP("198.51.100.10")))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, dns.RcodeRefused, w.msgs[0].Rcode)
}

func TestServeAXFRRefusedForDisallowedIP(t *testing.T) {
	authStore := authority.New()
	z := buildTransferZone(t)
	authStore.AddZone(z)

	m, err := NewManager(Config{AllowAXFR: true, AllowedIPs: []string{"192.0.2.0/24"}}, authStore)
	require.NoError(t, err)

	r := new(dns.Msg)
	r.SetQuestion(z.Origin, dns.TypeAXFR)
	w := &fakeResponseWriter{}
	require.NoError(t, m.ServeAXFR(w, r, net.ParseIP("198.51.100.10")))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, dns.RcodeRefused, w.msgs[0].Rcode)
}

func TestHandleUpdateAddsRecordAndBumpsSerial(t *testing.T) {
	authStore := authority.New()
	z := buildTransferZone(t)
	authStore.AddZone(z)

	m, err := NewManager(Config{DynamicUpdate: DynamicUpdateConfig{Enabled: true, AllowInsecure: true}}, authStore)
	require.NoError(t, err)

	r := new(dns.Msg)
	r.SetQuestion(z.Origin, dns.TypeSOA)
	r.Ns = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "new." + z.Origin, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP("192.0.2.200"),
	}}

	resp := m.HandleUpdate(r, net.ParseIP("198.51.100.10"), nil)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)

	updated, ok := authStore.Zone(z.Origin)
	require.True(t, ok)
	assert.Greater(t, updated.SOA.Serial, uint32(100))
	assert.Len(t, updated.GetRecords("new."+z.Origin, dns.TypeA), 1)
}

func TestHandleUpdateRefusedWhenDisabled(t *testing.T) {
	authStore := authority.New()
	z := buildTransferZone(t)
	authStore.AddZone(z)

	m, err := NewManager(Config{}, authStore)
	require.NoError(t, err)

	r := new(dns.Msg)
	r.SetQuestion(z.Origin, dns.TypeSOA)
	resp := m.HandleUpdate(r, net.ParseIP("198.51.100.10"), nil)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

// A "name is not in use" prerequisite against a name that already has
// records fails the whole update, per RFC 2136, leaving the zone
// untouched.
func TestHandleUpdatePrerequisiteFailureLeavesZoneUntouched(t *testing.T) {
	authStore := authority.New()
	z := buildTransferZone(t)
	authStore.AddZone(z)

	m, err := NewManager(Config{DynamicUpdate: DynamicUpdateConfig{Enabled: true, AllowInsecure: true}}, authStore)
	require.NoError(t, err)

	r := new(dns.Msg)
	r.SetQuestion(z.Origin, dns.TypeSOA)
	// "www.example.com. is not in use" prerequisite, but it already has an A
	// record. checkPrerequisites only ever looks at the header for this
	// class/ttl combination, so the concrete RR type carrying it doesn't
	// matter.
	r.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "www." + z.Origin, Rrtype: dns.TypeANY, Class: dns.ClassNONE, Ttl: 0},
	}}
	r.Ns = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "new." + z.Origin, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP("192.0.2.200"),
	}}

	resp := m.HandleUpdate(r, net.ParseIP("198.51.100.10"), nil)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)

	updated, ok := authStore.Zone(z.Origin)
	require.True(t, ok)
	assert.EqualValues(t, 100, updated.SOA.Serial)
	assert.Empty(t, updated.GetRecords("new."+z.Origin, dns.TypeA))
}

func TestRecordChangeBoundsHistory(t *testing.T) {
	authStore := authority.New()
	m, err := NewManager(Config{HistoryLimit: 2}, authStore)
	require.NoError(t, err)

	m.RecordChange("example.com.", 1, nil, nil)
	m.RecordChange("example.com.", 2, nil, nil)
	m.RecordChange("example.com.", 3, nil, nil)

	st := m.stateFor("example.com.")
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.history, 2)
	assert.EqualValues(t, 3, st.history[len(st.history)-1].serial)
}
