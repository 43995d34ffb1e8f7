// Package resolver implements the query-resolution algorithm shared by
// every resolution strategy: check authority, then cache, then CNAME
// cache, then fall through to a pluggable Strategy. This mirrors the
// resolve()/perform() split the project's resolution logic has followed
// from the start, generalized to a single shared entry point instead of
// per-strategy duplication.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/atlasdns/atlasd/internal/authority"
	"github.com/atlasdns/atlasd/internal/cache"
	"github.com/atlasdns/atlasd/internal/cookie"
	"github.com/atlasdns/atlasd/internal/pool"
	"github.com/atlasdns/atlasd/internal/rrl"
	"github.com/atlasdns/atlasd/internal/worker"
	"github.com/atlasdns/atlasd/internal/zone"
)

var (
	ErrNoQuestion    = errors.New("no question in query")
	ErrNotImplemented = errors.New("query type not implemented")
)

// Strategy performs resolution once the shared lookup in Resolve has
// determined the answer isn't already available from authority or cache.
type Strategy interface {
	Perform(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error)
}

// Config holds resolver configuration.
type Config struct {
	// Cache configuration.
	CacheConfig cache.Config

	// Worker pool sizing, used by callers that dispatch Resolve calls
	// through a worker.Pool rather than directly.
	Workers int

	// Query timeout applied by the chosen Strategy.
	QueryTimeout time.Duration

	// AllowRecursive mirrors the server-wide "recursion available"
	// policy: when false, every RD=1 query not covered by a loaded
	// zone gets REFUSED rather than resolved.
	AllowRecursive bool

	// Enable DNS cookies.
	EnableCookies bool
	CookieConfig  cookie.Config

	// Enable RRL.
	EnableRRL bool
	RRLConfig rrl.Config
}

// Resolver is the shared entry point every query passes through: it
// checks local authority data and the cache before delegating to a
// Strategy (forwarding or iterative).
type Resolver struct {
	authority *authority.Store
	cache     *cache.ShardedCache
	strategy  Strategy

	workerPool *worker.Pool
	cookies    *cookie.Manager
	rrl        *rrl.Limiter

	cfg Config
}

// New creates a Resolver backed by authStore for authoritative data, ch for
// the shared response cache, and strategy for everything else. ch is
// accepted rather than built internally so a Strategy (in particular
// IterativeStrategy, which needs to both read and populate delegation data)
// can be constructed against the same cache instance before the Resolver
// itself exists.
func New(authStore *authority.Store, ch *cache.ShardedCache, strategy Strategy, cfg Config) (*Resolver, error) {
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.Workers == 0 {
		cfg.Workers = 100
	}
	if ch == nil {
		ch = cache.NewShardedCache(cfg.CacheConfig)
	}

	r := &Resolver{
		authority: authStore,
		cache:     ch,
		strategy:  strategy,
		workerPool: worker.NewPool(worker.Config{
			Workers:   cfg.Workers,
			QueueSize: cfg.Workers * 10,
		}),
		cfg: cfg,
	}

	if cfg.EnableCookies {
		var err error
		r.cookies, err = cookie.NewManager(cfg.CookieConfig)
		if err != nil {
			return nil, fmt.Errorf("init cookies: %w", err)
		}
	}

	if cfg.EnableRRL {
		r.rrl = rrl.NewLimiter(cfg.RRLConfig)
	}

	return r, nil
}

// Resolve answers a single question, following (in order): unsupported
// qtype -> NOTIMP, local authority data, recursion-not-permitted ->
// REFUSED, positive cache, CNAME cache (for A/AAAA queries chasing a
// cached alias), then the configured Strategy.
func (r *Resolver) Resolve(ctx context.Context, q *dns.Msg, clientIP net.IP) (*dns.Msg, error) {
	if len(q.Question) == 0 {
		return nil, ErrNoQuestion
	}
	question := q.Question[0]

	if _, known := dns.TypeToString[question.Qtype]; !known {
		resp := pool.GetMessage()
		defer pool.PutMessage(resp)
		resp.SetReply(q)
		resp.Rcode = dns.RcodeNotImplemented
		return resp.Copy(), nil
	}

	if r.authority != nil {
		if rrs, z, found := r.authority.Query(question.Name, question.Qtype); found {
			return r.buildAuthoritativeResponse(q, rrs, z), nil
		}
	}

	if !q.RecursionDesired || !r.cfg.AllowRecursive {
		resp := pool.GetMessage()
		defer pool.PutMessage(resp)
		resp.SetReply(q)
		resp.Rcode = dns.RcodeRefused
		return resp.Copy(), nil
	}

	if entry, ok := r.cache.Lookup(question.Name, question.Qtype); ok {
		if resp := r.responseFromCacheEntry(q, entry); resp != nil {
			return resp, nil
		}
	}

	if question.Qtype == dns.TypeA || question.Qtype == dns.TypeAAAA {
		if entry, ok := r.cache.Lookup(question.Name, dns.TypeCNAME); ok {
			if resp := r.responseFromCacheEntry(q, entry); resp != nil {
				return resp, nil
			}
		}
	}

	resp, err := r.strategy.Perform(ctx, question.Name, question.Qtype)
	if err != nil {
		return nil, err
	}

	resp.Id = q.Id
	resp.RecursionAvailable = true
	r.cacheResponse(question.Name, question.Qtype, resp)

	return resp, nil
}

func (r *Resolver) buildAuthoritativeResponse(q *dns.Msg, rrs []dns.RR, z *zone.Zone) *dns.Msg {
	m := pool.GetMessage()
	m.SetReply(q)
	m.Authoritative = true
	m.RecursionAvailable = false

	if len(rrs) > 0 {
		m.Answer = rrs
	} else {
		m.Rcode = dns.RcodeNameError
		if z.SOA != nil {
			m.Ns = []dns.RR{z.SOA}
		}
	}

	return m.Copy()
}

func (r *Resolver) responseFromCacheEntry(q *dns.Msg, entry *cache.Entry) *dns.Msg {
	if entry.Negative {
		resp := pool.GetMessage()
		defer pool.PutMessage(resp)
		resp.SetReply(q)
		resp.Rcode = dns.RcodeNameError
		resp.RecursionAvailable = true
		return resp.Copy()
	}

	resp := pool.GetMessage()
	defer pool.PutMessage(resp)
	if err := resp.Unpack(entry.Data); err != nil {
		return nil
	}
	resp.Id = q.Id
	resp.RecursionAvailable = true
	return resp.Copy()
}

// cacheResponse stores a positive answer, or a negative entry keyed off
// the SOA minimum TTL per RFC 2308, found in the Authority section.
func (r *Resolver) cacheResponse(qname string, qtype uint16, resp *dns.Msg) {
	if resp.Rcode == dns.RcodeNameError {
		ttl := negativeTTLFromSOA(resp)
		if ttl > 0 {
			r.cache.StoreNXDomain(qname, qtype, ttl)
		}
		return
	}

	if len(resp.Answer) == 0 {
		return
	}

	packed, err := resp.Pack()
	if err != nil {
		return
	}
	r.cache.Store(qname, qtype, packed, minTTL(resp.Answer))
}

func negativeTTLFromSOA(msg *dns.Msg) uint32 {
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Minttl
		}
	}
	return 0
}

func minTTL(rrs []dns.RR) uint32 {
	min := uint32(3600)
	for i, rr := range rrs {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return min
}

// Close releases every background resource the resolver owns.
func (r *Resolver) Close() error {
	r.cache.Close()
	r.workerPool.Close()
	if r.rrl != nil {
		r.rrl.Close()
	}
	return nil
}

// Stats reports resolver-wide statistics.
type Stats struct {
	Cache cache.Stats
	Pool  worker.Stats
	RRL   *rrl.Stats
}

// GetStats returns current statistics.
func (r *Resolver) GetStats() Stats {
	s := Stats{
		Cache: r.cache.GetStats(),
		Pool:  r.workerPool.GetStats(),
	}
	if r.rrl != nil {
		rrlStats := r.rrl.GetStats()
		s.RRL = &rrlStats
	}
	return s
}
