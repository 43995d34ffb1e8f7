package resolver

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/atlasdns/atlasd/internal/cache"
	"github.com/atlasdns/atlasd/internal/client"
)

var (
	// ErrNoServerFound means the iterative strategy could not locate any
	// cached delegation, not even at the synthetic root, to start from.
	ErrNoServerFound = errors.New("resolver: no cached nameserver found")

	// ErrMaxIterationsExceeded means a delegation chain did not terminate
	// within the iteration bound; this is always a hard error, never a
	// silent success with a partial answer.
	ErrMaxIterationsExceeded = errors.New("resolver: max iterations exceeded")
)

const defaultMaxIterations = 30

// ForwardingStrategy sends each (qname, qtype) to a single configured
// upstream resolver with RD=1 through Client.Query, which builds a fresh
// query message; the Resolver caches the answers it gets back.
type ForwardingStrategy struct {
	Upstream string // "host:port"
	Client   *client.Client
}

// NewForwarding creates a Strategy that forwards to upstream.
func NewForwarding(upstream string, c *client.Client) *ForwardingStrategy {
	return &ForwardingStrategy{Upstream: upstream, Client: c}
}

// Perform sends (qname, qtype) to the upstream with recursion requested and
// returns its answer verbatim, rcode included.
func (s *ForwardingStrategy) Perform(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
	return s.Client.Query(ctx, s.Upstream, qname, qtype, dns.ClassINET, true)
}

// IterativeStrategy implements the classic recursive-resolver algorithm:
// start from the closest nameserver the cache already knows about (walking
// labels from qname towards the root, falling back to a configured root
// hints set), then repeatedly query and follow referrals until an answer,
// an NXDOMAIN, or the iteration bound is reached.
type IterativeStrategy struct {
	Client        *client.Client
	Cache         *cache.ShardedCache
	MaxIterations int

	// RootHints seeds the walk when no ancestor of qname has a cached NS
	// record at all: caller-supplied root server addresses (there is no
	// built-in set; the first entry is used), only as a last resort before
	// ErrNoServerFound.
	RootHints []net.IP

	// Port is the port every nameserver address is dialed on; it defaults
	// to "53" (the standard DNS port every cached NS address uses in
	// production) and is only overridden in tests, which run nameserver
	// stubs on an ephemeral loopback port instead of binding 53.
	Port string
}

// NewIterative creates an IterativeStrategy sharing the Resolver's cache so
// delegation data learned from one query benefits the next.
func NewIterative(c *client.Client, ch *cache.ShardedCache, maxIterations int, rootHints []net.IP) *IterativeStrategy {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	return &IterativeStrategy{Client: c, Cache: ch, MaxIterations: maxIterations, RootHints: rootHints, Port: "53"}
}

// Perform resolves (qname, qtype) iteratively, per spec.md 4.4.1.
func (s *IterativeStrategy) Perform(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
	nsAddr, ok := s.closestNameserver(qname)
	if !ok {
		return nil, ErrNoServerFound
	}

	for i := 0; i < s.MaxIterations; i++ {
		resp, err := s.Client.Query(ctx, net.JoinHostPort(nsAddr.String(), s.Port), qname, qtype, dns.ClassINET, false)
		if err != nil {
			return nil, err
		}

		if resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
			s.cacheSections(resp)
			return resp, nil
		}

		if resp.Rcode == dns.RcodeNameError {
			if ttl := negativeTTLFromSOA(resp); ttl > 0 {
				s.Cache.StoreNXDomain(qname, qtype, ttl)
			}
			return resp, nil
		}

		s.cacheSections(resp)

		next, found := s.nextNameserver(ctx, resp, qname)
		if !found {
			return resp, nil
		}
		nsAddr = next
	}

	return nil, ErrMaxIterationsExceeded
}

// closestNameserver walks qname's labels from most- to least-specific
// (including the synthetic root, "."), looking for a cached NS RRset at
// each ancestor and a cached A record for the first candidate NS host it
// finds. It returns the first usable address.
func (s *IterativeStrategy) closestNameserver(qname string) (net.IP, bool) {
	name := dns.Fqdn(qname)

	for {
		if nss, ok := s.Cache.LookupRRSet(name, dns.TypeNS); ok {
			for _, rr := range nss {
				ns, ok := rr.(*dns.NS)
				if !ok {
					continue
				}
				if as, ok := s.Cache.LookupRRSet(ns.Ns, dns.TypeA); ok {
					for _, arr := range as {
						if a, ok := arr.(*dns.A); ok {
							return a.A, true
						}
					}
				}
			}
		}

		if name == "." {
			break
		}
		name = parentOf(name)
	}

	if len(s.RootHints) > 0 {
		return s.RootHints[0], true
	}
	return nil, false
}

// nextNameserver finds the nameserver to continue the iteration with,
// either from glue in the response's additional section or, failing that,
// by recursively resolving the referred-to NS host's address.
func (s *IterativeStrategy) nextNameserver(ctx context.Context, resp *dns.Msg, qname string) (net.IP, bool) {
	var nsHosts []string
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok && dns.IsSubDomain(ns.Header().Name, dns.Fqdn(qname)) {
			nsHosts = append(nsHosts, ns.Ns)
		}
	}
	if len(nsHosts) == 0 {
		return nil, false
	}

	for _, extra := range resp.Extra {
		a, ok := extra.(*dns.A)
		if !ok {
			continue
		}
		for _, host := range nsHosts {
			if strings.EqualFold(a.Header().Name, host) {
				return a.A, true
			}
		}
	}

	// No glue: resolve one of the referred NS hosts recursively through
	// the shared cache/strategy pair. This is the one place the
	// iterative strategy calls back into itself via a fresh lookup
	// rather than following the glue fast path.
	host := nsHosts[rand.Intn(len(nsHosts))]
	if addrs, ok := s.Cache.LookupRRSet(host, dns.TypeA); ok && len(addrs) > 0 {
		if a, ok := addrs[rand.Intn(len(addrs))].(*dns.A); ok {
			return a.A, true
		}
	}

	resolved, err := s.Perform(ctx, host, dns.TypeA)
	if err != nil || resolved == nil || len(resolved.Answer) == 0 {
		return nil, false
	}
	var candidates []net.IP
	for _, rr := range resolved.Answer {
		if a, ok := rr.(*dns.A); ok {
			candidates = append(candidates, a.A)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// cacheSections stores every record from a referral or answer response
// (answer, authority, additional) keyed by its own (owner, qtype), so
// later iterations and later queries can reuse delegation data without a
// fresh round trip.
func (s *IterativeStrategy) cacheSections(resp *dns.Msg) {
	s.Cache.StoreRRSet(resp.Answer)
	s.Cache.StoreRRSet(resp.Ns)
	s.Cache.StoreRRSet(resp.Extra)
}

func parentOf(name string) string {
	idx := strings.IndexByte(name, '.')
	if idx < 0 || idx+1 >= len(name) {
		return "."
	}
	parent := name[idx+1:]
	if parent == "" {
		return "."
	}
	return parent
}
