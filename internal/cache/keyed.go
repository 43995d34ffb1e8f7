package cache

import (
	"hash/fnv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Negative marks an Entry as a cached NXDOMAIN/NODATA result rather than a
// packed positive answer; Data is left empty in that case.
//
// This file layers the (owner, qtype) keyed contract spec.md describes
// (lookup/store/store_nxdomain/list) on top of the teacher's existing
// hash-keyed ShardedCache (sharded.go), which is kept as-is.

// Key computes the cache key for an (owner, qtype) pair. Class is omitted
// because every component in this server only ever queries class IN.
func Key(owner string, qtype uint16) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(owner)))
	h.Write([]byte{byte(qtype >> 8), byte(qtype)})
	return h.Sum64()
}

// Lookup retrieves a cached entry for (owner, qtype), respecting expiry
// and serve-stale rules exactly as Get does.
func (c *ShardedCache) Lookup(owner string, qtype uint16) (*Entry, bool) {
	return c.Get(Key(owner, qtype))
}

// Store caches a positive wire-format answer for (owner, qtype).
func (c *ShardedCache) Store(owner string, qtype uint16, data []byte, ttl uint32) {
	c.Set(Key(owner, qtype), &Entry{
		Data:      data,
		ExpiresAt: time.Now().Add(time.Duration(ttl) * time.Second),
		OrigTTL:   ttl,
		QName:     owner,
		QType:     qtype,
	})
}

// StoreNXDomain caches a negative (NXDOMAIN/NODATA) result, keyed the same
// as a positive answer so a subsequent Lookup transparently finds it.
// ttl should be the authority zone's SOA minimum per RFC 2308.
func (c *ShardedCache) StoreNXDomain(owner string, qtype uint16, ttl uint32) {
	c.Set(Key(owner, qtype), &Entry{
		Negative:  true,
		ExpiresAt: time.Now().Add(time.Duration(ttl) * time.Second),
		OrigTTL:   ttl,
		QName:     owner,
		QType:     qtype,
	})
}

// StoreRRSet groups rrs by (owner, qtype) and stores each group as its own
// entry with TTL = min(rr.TTL) within the group, per spec.md's
// "store(records)" contract: a single resolver response can populate many
// independent cache entries (its answer, authority, and additional
// sections), not just the entry keyed by the original question.
func (c *ShardedCache) StoreRRSet(rrs []dns.RR) {
	groups := make(map[rrsetKey][]dns.RR)
	for _, rr := range rrs {
		if rr == nil {
			continue
		}
		k := rrsetKey{owner: strings.ToLower(rr.Header().Name), qtype: rr.Header().Rrtype}
		groups[k] = append(groups[k], rr)
	}
	for k, group := range groups {
		ttl := group[0].Header().Ttl
		for _, rr := range group[1:] {
			if rr.Header().Ttl < ttl {
				ttl = rr.Header().Ttl
			}
		}
		msg := &dns.Msg{Answer: group}
		packed, err := msg.Pack()
		if err != nil {
			continue
		}
		c.Store(k.owner, k.qtype, packed, ttl)
	}
}

type rrsetKey struct {
	owner string
	qtype uint16
}

// LookupRRSet returns the cached RRset for (owner, qtype), unpacked from
// the entry stored by StoreRRSet or Store.
func (c *ShardedCache) LookupRRSet(owner string, qtype uint16) ([]dns.RR, bool) {
	entry, ok := c.Lookup(owner, qtype)
	if !ok || entry.Negative {
		return nil, false
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(entry.Data); err != nil {
		return nil, false
	}
	return msg.Answer, true
}

// List returns every live (non-expired) entry in the cache. Intended for
// diagnostics/management surfaces, not the query hot path.
func (c *ShardedCache) List() []*Entry {
	var out []*Entry
	c.ForEach(func(_ uint64, e *Entry) {
		if !e.IsExpired() {
			out = append(out, e)
		}
	})
	return out
}
