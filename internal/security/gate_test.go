package security

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 5 (spec.md §8): a client that exceeds its configured request
// rate is refused rather than resolved, and the refusal carries a
// correlated security event.
func TestGateRateLimitRefusal(t *testing.T) {
	g, err := NewGate(GateConfig{
		Limits: []LimitRule{{Requests: 2, Window: time.Minute}},
	}, nil)
	require.NoError(t, err)

	ip := net.ParseIP("203.0.113.42")

	d1 := g.Evaluate(ip, "example.com.", dns.TypeA)
	assert.Equal(t, VerdictAllow, d1.Verdict)

	d2 := g.Evaluate(ip, "example.com.", dns.TypeA)
	assert.Equal(t, VerdictAllow, d2.Verdict)

	d3 := g.Evaluate(ip, "example.com.", dns.TypeA)
	assert.Equal(t, VerdictRateLimited, d3.Verdict)
	assert.Equal(t, dns.RcodeRefused, d3.Rcode)
	require.NotNil(t, d3.Event)
	assert.Equal(t, EventRateLimited, d3.Event.Kind)
	assert.Equal(t, ip.String(), d3.Event.SourceIP.String())
}

// A different client IP is tracked independently and is unaffected by
// another client's exhausted rate limit.
func TestGateRateLimitPerClient(t *testing.T) {
	g, err := NewGate(GateConfig{
		Limits: []LimitRule{{Requests: 1, Window: time.Minute}},
	}, nil)
	require.NoError(t, err)

	ip1 := net.ParseIP("203.0.113.1")
	ip2 := net.ParseIP("203.0.113.2")

	assert.Equal(t, VerdictAllow, g.Evaluate(ip1, "example.com.", dns.TypeA).Verdict)
	assert.Equal(t, VerdictRateLimited, g.Evaluate(ip1, "example.com.", dns.TypeA).Verdict)
	assert.Equal(t, VerdictAllow, g.Evaluate(ip2, "example.com.", dns.TypeA).Verdict)
}

// A whitelisted client bypasses the rate limiter and firewall entirely.
func TestGateWhitelistBypassesRateLimit(t *testing.T) {
	g, err := NewGate(GateConfig{
		Limits:    []LimitRule{{Requests: 1, Window: time.Minute}},
		Whitelist: []string{"203.0.113.0/24"},
	}, nil)
	require.NoError(t, err)

	ip := net.ParseIP("203.0.113.5")
	for i := 0; i < 5; i++ {
		assert.Equal(t, VerdictAllow, g.Evaluate(ip, "example.com.", dns.TypeA).Verdict)
	}
}

// A blacklisted client is refused on the very first query, before the
// rate limiter or firewall ever run.
func TestGateBlacklistBlocksImmediately(t *testing.T) {
	g, err := NewGate(GateConfig{
		Blacklist: []string{"198.51.100.0/24"},
	}, nil)
	require.NoError(t, err)

	ip := net.ParseIP("198.51.100.7")
	d := g.Evaluate(ip, "example.com.", dns.TypeA)
	assert.Equal(t, VerdictThreatBlocked, d.Verdict)
	assert.Equal(t, dns.RcodeRefused, d.Rcode)
}

// A firewall rule blocking a specific domain takes effect ahead of DDoS
// scoring, returning the rule's configured rcode.
func TestGateFirewallBlockNXDomain(t *testing.T) {
	fw := NewFirewall()
	fw.AddRule(&FirewallRule{
		ID: "block-1", Enabled: true, Priority: 10,
		Match:  MatchCriteria{Domain: "blocked.test."},
		Action: ActionBlockNXDomain,
		Reason: "known-bad domain",
	})

	g, err := NewGate(GateConfig{}, fw)
	require.NoError(t, err)

	ip := net.ParseIP("203.0.113.9")
	d := g.Evaluate(ip, "blocked.test.", dns.TypeA)
	assert.Equal(t, VerdictFirewallBlocked, d.Verdict)
	assert.Equal(t, dns.RcodeNameError, d.Rcode)

	// An unrelated domain from the same client is unaffected.
	d2 := g.Evaluate(ip, "example.com.", dns.TypeA)
	assert.Equal(t, VerdictAllow, d2.Verdict)
}

// A sinkhole rule answers with the configured address instead of an error
// rcode.
func TestGateFirewallSinkhole(t *testing.T) {
	fw := NewFirewall()
	fw.AddRule(&FirewallRule{
		ID: "sink-1", Enabled: true, Priority: 10,
		Match:  MatchCriteria{Domain: "malware.test."},
		Action: ActionSinkhole,
		Reason: "known malware domain",
	})

	g, err := NewGate(GateConfig{SinkholeV4: net.ParseIP("10.10.10.10"), SinkholeTTL: 60}, fw)
	require.NoError(t, err)

	d := g.Evaluate(net.ParseIP("203.0.113.9"), "malware.test.", dns.TypeA)
	assert.Equal(t, VerdictFirewallBlocked, d.Verdict)
	assert.Equal(t, dns.RcodeSuccess, d.Rcode)
	assert.Equal(t, "10.10.10.10", d.SinkholeA.String())
}

// The DGA scorer flags a high-entropy label as suspicious, the signal the
// gate's threat-blocking path consumes.
func TestDGAScorerFlagsHighEntropyLabel(t *testing.T) {
	scorer := NewDGAScorer()
	score, reasons := scorer.Score("xqz7vbkpthmnr.example.com.")
	assert.Greater(t, score, 0.0)
	assert.NotEmpty(t, reasons)

	score2, _ := scorer.Score("www.example.com.")
	assert.Less(t, score2, score)
}

func TestGateSweepEvictsIdleClients(t *testing.T) {
	g, err := NewGate(GateConfig{Limits: []LimitRule{{Requests: 10, Window: time.Minute}}}, nil)
	require.NoError(t, err)

	ip := net.ParseIP("203.0.113.20")
	g.Evaluate(ip, "example.com.", dns.TypeA)

	g.mu.Lock()
	_, tracked := g.clients[ip.String()]
	g.mu.Unlock()
	require.True(t, tracked)

	g.Sweep(0) // everything is idle relative to "now"

	g.mu.Lock()
	_, stillTracked := g.clients[ip.String()]
	g.mu.Unlock()
	assert.False(t, stillTracked)
}
