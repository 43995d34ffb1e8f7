package security

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// FirewallAction mirrors the action set of the original Rust firewall
// engine (firewall.rs) rather than the narrower plain-RPZ action set:
// Sinkhole, Monitor, and RateLimit are new relative to plain RPZ.
type FirewallAction int

const (
	ActionAllow FirewallAction = iota
	ActionBlockNXDomain
	ActionBlockRefused
	ActionSinkhole
	ActionMonitor
	ActionRateLimit
)

func (a FirewallAction) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionBlockNXDomain:
		return "BLOCK_NXDOMAIN"
	case ActionBlockRefused:
		return "BLOCK_REFUSED"
	case ActionSinkhole:
		return "SINKHOLE"
	case ActionMonitor:
		return "MONITOR"
	case ActionRateLimit:
		return "RATE_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// MatchCriteria describes what a FirewallRule matches against. Any zero
// field is treated as a wildcard for that dimension; all non-zero fields
// must match for the rule to fire.
type MatchCriteria struct {
	// Domain is matched exactly, or as a wildcard when it starts with "*.".
	Domain string

	// Networks restricts the rule to queries from these client CIDRs.
	Networks []*net.IPNet

	// QTypes restricts the rule to these query types (dns.TypeA, etc).
	// Empty means any type.
	QTypes []uint16

	// ActiveFrom/ActiveUntil restrict the rule to a time-of-day window
	// (hour*60+minute, in the server's local time). ActiveUntil < ActiveFrom
	// wraps past midnight. Both zero means always active.
	ActiveFrom  int
	ActiveUntil int
}

func (m MatchCriteria) matchesNetwork(ip net.IP) bool {
	if len(m.Networks) == 0 {
		return true
	}
	for _, n := range m.Networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (m MatchCriteria) matchesQType(qtype uint16) bool {
	if len(m.QTypes) == 0 {
		return true
	}
	for _, t := range m.QTypes {
		if t == qtype {
			return true
		}
	}
	return false
}

func (m MatchCriteria) matchesTimeOfDay(now time.Time) bool {
	if m.ActiveFrom == 0 && m.ActiveUntil == 0 {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	if m.ActiveFrom <= m.ActiveUntil {
		return minute >= m.ActiveFrom && minute < m.ActiveUntil
	}
	// Window wraps past midnight.
	return minute >= m.ActiveFrom || minute < m.ActiveUntil
}

// FirewallRule is a single priority-ordered filtering rule.
type FirewallRule struct {
	ID            string
	Name          string
	Enabled       bool
	Priority      int // lower runs first
	Match         MatchCriteria
	Action        FirewallAction
	RewriteTarget string
	Reason        string

	Hits uint64
}

// Firewall evaluates queries against a priority-ordered rule set, plus an
// exact/wildcard domain index for the common "block this domain" case so
// lookups stay O(label depth) instead of scanning every rule.
type Firewall struct {
	mu        sync.RWMutex
	rules     []*FirewallRule
	exact     map[string]*FirewallRule
	wildcards map[string]*FirewallRule
	enabled   bool
}

// NewFirewall creates an empty, enabled firewall.
func NewFirewall() *Firewall {
	return &Firewall{
		exact:     make(map[string]*FirewallRule),
		wildcards: make(map[string]*FirewallRule),
		enabled:   true,
	}
}

// AddRule inserts a rule, keeping the rule list sorted by Priority.
func (f *Firewall) AddRule(rule *FirewallRule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rule.Match.Domain != "" {
		domain := dns.Fqdn(strings.ToLower(rule.Match.Domain))
		if strings.HasPrefix(domain, "*.") {
			f.wildcards[strings.TrimPrefix(domain, "*.")] = rule
		} else {
			f.exact[domain] = rule
		}
	}

	f.rules = append(f.rules, rule)
	sort.SliceStable(f.rules, func(i, j int) bool { return f.rules[i].Priority < f.rules[j].Priority })
}

// Enable/Disable toggle firewall evaluation globally.
func (f *Firewall) Enable()  { f.mu.Lock(); f.enabled = true; f.mu.Unlock() }
func (f *Firewall) Disable() { f.mu.Lock(); f.enabled = false; f.mu.Unlock() }

// Evaluate checks a query against the rule set in priority order and
// returns the first matching, enabled rule. A nil rule means Allow.
func (f *Firewall) Evaluate(qname string, qtype uint16, clientIP net.IP, now time.Time) *FirewallRule {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.enabled {
		return nil
	}

	qname = dns.Fqdn(strings.ToLower(qname))

	for _, rule := range f.rules {
		if !rule.Enabled {
			continue
		}
		if !f.domainMatches(rule, qname) {
			continue
		}
		if !rule.Match.matchesQType(qtype) {
			continue
		}
		if clientIP != nil && !rule.Match.matchesNetwork(clientIP) {
			continue
		}
		if !rule.Match.matchesTimeOfDay(now) {
			continue
		}
		rule.Hits++
		return rule
	}

	return nil
}

func (f *Firewall) domainMatches(rule *FirewallRule, qname string) bool {
	if rule.Match.Domain == "" {
		return true // rule has no domain restriction, matches everything else
	}

	domain := dns.Fqdn(strings.ToLower(rule.Match.Domain))
	if strings.HasPrefix(domain, "*.") {
		suffix := strings.TrimPrefix(domain, "*.")
		return qname == suffix || dns.IsSubDomain(suffix, qname)
	}
	return qname == domain
}

// Apply mutates msg according to rule.Action, mirroring the RPZ
// action-application semantics this firewall generalizes.
func Apply(rule *FirewallRule, msg *dns.Msg) (handled bool) {
	if rule == nil {
		return false
	}

	switch rule.Action {
	case ActionBlockNXDomain:
		msg.Rcode = dns.RcodeNameError
		msg.Answer, msg.Ns, msg.Extra = nil, nil, nil
		return true

	case ActionBlockRefused:
		msg.Rcode = dns.RcodeRefused
		msg.Answer, msg.Ns, msg.Extra = nil, nil, nil
		return true

	case ActionSinkhole:
		if rule.RewriteTarget == "" {
			msg.Rcode = dns.RcodeNameError
			return true
		}
		msg.Rcode = dns.RcodeSuccess
		msg.Answer = []dns.RR{&dns.CNAME{
			Hdr:    dns.RR_Header{Name: msg.Question[0].Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
			Target: dns.Fqdn(rule.RewriteTarget),
		}}
		return true

	case ActionMonitor, ActionAllow:
		return false

	case ActionRateLimit:
		// Gate.Evaluate handles this action itself (a one-minute block of
		// the client); Apply leaves msg untouched.
		return false
	}

	return false
}
