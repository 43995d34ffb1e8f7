package security

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Gate is the combined security front-gate applied to every decoded query
// before the resolver, per spec.md 4.6: rate limiter, then firewall, then
// DDoS threat scoring. It generalizes the three previously-standalone
// pieces in this package (RateLimiter, Firewall, DGAScorer) into the one
// entry point the server kernel calls.
type Gate struct {
	limits    []LimitRule
	whitelist *ACL
	blacklist *ACL

	firewall *Firewall
	scorer   ThreatProvider

	sinkholeV4  net.IP
	sinkholeV6  net.IP
	sinkholeTTL uint32

	threatThreshold float64
	threatBlockTTL  time.Duration

	mu      sync.Mutex
	clients map[string]*clientState

	events chan Event
}

// LimitRule is one sliding-window request-rate limit; ALL configured
// limits must pass for a client's request to be admitted.
type LimitRule struct {
	Requests int
	Window   time.Duration
	Burst    int // additional requests allowed above Requests within Window
}

type clientState struct {
	windows    [][]time.Time // one timestamp slice per configured LimitRule
	threatScore float64
	lastSeen    time.Time
	blockedUntil time.Time
}

// GateConfig configures a Gate at construction time.
type GateConfig struct {
	Limits          []LimitRule
	Whitelist       []string // CIDRs/IPs that bypass every check
	Blacklist       []string // CIDRs/IPs that are always refused
	SinkholeV4      net.IP
	SinkholeV6      net.IP
	SinkholeTTL     uint32
	ThreatThreshold float64       // score at/above which the client is auto-blacklisted
	ThreatBlockTTL  time.Duration // stored on the Gate; auto-blacklist entries do not expire
}

// DefaultGateConfig returns conservative defaults: 100 req/10s plus a
// 20-request burst, sinkhole TTL of 60s, auto-block at threat score 0.8
// (ThreatBlockTTL is set to 10 minutes, but an auto-block does not expire).
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Limits: []LimitRule{
			{Requests: 100, Window: 10 * time.Second, Burst: 20},
		},
		SinkholeTTL:     60,
		ThreatThreshold: 0.8,
		ThreatBlockTTL:  10 * time.Minute,
	}
}

// NewGate builds a Gate from cfg and an already-populated Firewall (nil is
// accepted and treated as "no rules").
func NewGate(cfg GateConfig, firewall *Firewall) (*Gate, error) {
	if firewall == nil {
		firewall = NewFirewall()
	}
	g := &Gate{
		limits:          cfg.Limits,
		whitelist:       NewACL(false),
		blacklist:       NewACL(false),
		firewall:        firewall,
		scorer:          NewDGAScorer(),
		sinkholeV4:      cfg.SinkholeV4,
		sinkholeV6:      cfg.SinkholeV6,
		sinkholeTTL:     cfg.SinkholeTTL,
		threatThreshold: cfg.ThreatThreshold,
		threatBlockTTL:  cfg.ThreatBlockTTL,
		clients:         make(map[string]*clientState),
		events:          make(chan Event, 256),
	}
	if len(g.limits) == 0 {
		g.limits = DefaultGateConfig().Limits
	}
	for _, cidr := range cfg.Whitelist {
		if err := g.whitelist.AllowNet(cidr); err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", cidr, err)
		}
	}
	for _, cidr := range cfg.Blacklist {
		if err := g.blacklist.AllowNet(cidr); err != nil {
			return nil, fmt.Errorf("blacklist entry %q: %w", cidr, err)
		}
	}
	return g, nil
}

// Verdict is the outcome of a Gate evaluation.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictRateLimited
	VerdictFirewallBlocked
	VerdictThreatBlocked
)

// String renders a Verdict for metrics labels and logging.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictRateLimited:
		return "rate_limited"
	case VerdictFirewallBlocked:
		return "firewall_blocked"
	case VerdictThreatBlocked:
		return "threat_blocked"
	default:
		return "unknown"
	}
}

// Decision is what the transport kernel should do with a query after
// Evaluate: either continue to the resolver (Verdict == VerdictAllow) or
// synthesize the given response immediately without ever touching the
// cache, per spec.md's "security-gate refusals are never cached" rule.
type Decision struct {
	Verdict    Verdict
	Rcode      int
	RetryAfter time.Duration

	// Sinkhole is set when the firewall rule's action was Sinkhole: the
	// caller should answer with this address for the query's qtype
	// instead of an error rcode.
	SinkholeA    net.IP
	SinkholeAAAA net.IP
	SinkholeTTL  uint32

	Event *Event
}

// EventKind labels what kind of security event fired.
type EventKind string

const (
	EventRateLimited EventKind = "rate_limited"
	EventFirewall    EventKind = "firewall_blocked"
	EventThreat      EventKind = "threat_blocked"
)

// Event is a correlated security event, emitted on every gate refusal and
// on Monitor-action firewall matches, per spec.md 4.6.
type Event struct {
	Kind      EventKind
	Severity  int // 0 (info) .. 3 (critical)
	SourceIP  net.IP
	QName     string
	QType     uint16
	Reason    string
	Timestamp time.Time
}

// Events exposes the event stream for an external log/metrics consumer to
// drain; the channel is buffered and never blocks the gate (a full buffer
// drops the event, favoring availability of the resolution path).
func (g *Gate) Events() <-chan Event { return g.events }

func (g *Gate) emit(ev Event) *Event {
	ev.Timestamp = time.Now()
	select {
	case g.events <- ev:
	default:
	}
	return &ev
}

// Evaluate runs the full security-gate pipeline for one query: rate
// limiter, then firewall, then DDoS scorer. A VerdictAllow Decision means
// the caller should proceed to resolution; anything else is a final
// answer the caller must return without involving the resolver or cache.
func (g *Gate) Evaluate(clientIP net.IP, qname string, qtype uint16) Decision {
	if clientIP != nil && g.whitelist.IsAllowed(clientIP) {
		return Decision{Verdict: VerdictAllow}
	}
	if clientIP != nil && g.blacklist.IsAllowed(clientIP) {
		ev := g.emit(Event{Kind: EventThreat, Severity: 2, SourceIP: clientIP, QName: qname, QType: qtype, Reason: "static blacklist"})
		return Decision{Verdict: VerdictThreatBlocked, Rcode: dns.RcodeRefused, Event: ev}
	}

	if clientIP != nil {
		if retryAfter, blocked := g.checkRate(clientIP); blocked {
			ev := g.emit(Event{Kind: EventRateLimited, Severity: 1, SourceIP: clientIP, QName: qname, QType: qtype, Reason: "rate limit exceeded"})
			return Decision{Verdict: VerdictRateLimited, Rcode: dns.RcodeRefused, RetryAfter: retryAfter, Event: ev}
		}
	}

	if rule := g.firewall.Evaluate(qname, qtype, clientIP, time.Now()); rule != nil {
		switch rule.Action {
		case ActionAllow:
			// fallthrough to DDoS scoring below
		case ActionMonitor:
			g.emit(Event{Kind: EventFirewall, Severity: 0, SourceIP: clientIP, QName: qname, QType: qtype, Reason: "monitor: " + rule.Reason})
		case ActionRateLimit:
			if clientIP != nil {
				g.mu.Lock()
				st := g.clientStateLocked(clientIP.String())
				st.blockedUntil = time.Now().Add(time.Minute)
				g.mu.Unlock()
			}
			ev := g.emit(Event{Kind: EventFirewall, Severity: 1, SourceIP: clientIP, QName: qname, QType: qtype, Reason: "synthetic rate limit: " + rule.Reason})
			return Decision{Verdict: VerdictRateLimited, Rcode: dns.RcodeRefused, RetryAfter: time.Minute, Event: ev}
		case ActionBlockNXDomain:
			ev := g.emit(Event{Kind: EventFirewall, Severity: 1, SourceIP: clientIP, QName: qname, QType: qtype, Reason: rule.Reason})
			return Decision{Verdict: VerdictFirewallBlocked, Rcode: dns.RcodeNameError, Event: ev}
		case ActionBlockRefused:
			ev := g.emit(Event{Kind: EventFirewall, Severity: 1, SourceIP: clientIP, QName: qname, QType: qtype, Reason: rule.Reason})
			return Decision{Verdict: VerdictFirewallBlocked, Rcode: dns.RcodeRefused, Event: ev}
		case ActionSinkhole:
			ev := g.emit(Event{Kind: EventFirewall, Severity: 1, SourceIP: clientIP, QName: qname, QType: qtype, Reason: "sinkhole: " + rule.Reason})
			return Decision{
				Verdict:      VerdictFirewallBlocked,
				Rcode:        dns.RcodeSuccess,
				SinkholeA:    g.sinkholeV4,
				SinkholeAAAA: g.sinkholeV6,
				SinkholeTTL:  g.sinkholeTTL,
				Event:        ev,
			}
		}
	}

	if clientIP != nil {
		score, reasons := g.scorer.Score(qname)
		g.mu.Lock()
		st := g.clientStateLocked(clientIP.String())
		st.threatScore = 0.8*st.threatScore + 0.2*score // decaying moving average
		crossed := st.threatScore >= g.threatThreshold
		g.mu.Unlock()

		if crossed {
			_ = g.blacklist.AllowNet(clientIP.String() + cidrSuffix(clientIP))
			ev := g.emit(Event{Kind: EventThreat, Severity: 2, SourceIP: clientIP, QName: qname, QType: qtype, Reason: fmt.Sprintf("threat score %.2f: %v", st.threatScore, reasons)})
			return Decision{Verdict: VerdictThreatBlocked, Rcode: dns.RcodeRefused, Event: ev}
		}
	}

	return Decision{Verdict: VerdictAllow}
}

func cidrSuffix(ip net.IP) string {
	if ip.To4() != nil {
		return "/32"
	}
	return "/128"
}

// checkRate enforces every configured LimitRule's sliding window plus
// burst allowance; all windows must pass for the request to be admitted.
func (g *Gate) checkRate(clientIP net.IP) (retryAfter time.Duration, blocked bool) {
	key := clientIP.String()
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.clientStateLocked(key)
	st.lastSeen = now

	if !st.blockedUntil.IsZero() && now.Before(st.blockedUntil) {
		return st.blockedUntil.Sub(now), true
	}

	if len(st.windows) != len(g.limits) {
		st.windows = make([][]time.Time, len(g.limits))
	}

	var earliestRetry time.Duration
	for i, rule := range g.limits {
		w := st.windows[i]
		cutoff := now.Add(-rule.Window)
		kept := w[:0]
		for _, t := range w {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		w = kept

		limit := rule.Requests + rule.Burst
		if len(w) >= limit {
			retry := w[0].Add(rule.Window).Sub(now)
			if earliestRetry == 0 || retry < earliestRetry {
				earliestRetry = retry
			}
			st.windows[i] = w
			blocked = true
			continue
		}
		st.windows[i] = append(w, now)
	}

	if blocked {
		return earliestRetry, true
	}
	return 0, false
}

func (g *Gate) clientStateLocked(key string) *clientState {
	st, ok := g.clients[key]
	if !ok {
		st = &clientState{}
		g.clients[key] = st
	}
	return st
}

// FirewallRules exposes the underlying Firewall so callers can add rules at
// startup (e.g. from config's firewall_rules / blocked_domains keys).
func (g *Gate) FirewallRules() *Firewall { return g.firewall }

// Sweep evicts per-client state idle for longer than maxIdle, per
// spec.md's "periodically cleaned (entries older than 1h evicted)"
// requirement for security rate-limiter state. Intended to be driven by a
// background ticker (see Run).
func (g *Gate) Sweep(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, st := range g.clients {
		if st.lastSeen.Before(cutoff) {
			delete(g.clients, k)
		}
	}
}

// Run drives periodic sweeping until stop is closed. Intended to be
// launched once as a background goroutine at server startup.
func (g *Gate) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sweep(time.Hour)
		case <-stop:
			return
		}
	}
}
