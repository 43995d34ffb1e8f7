// Package authority indexes multiple zones by their apex name and answers
// authoritative lookups with longest-suffix matching, in one store that
// the server's resolve path, the resolver and the
// zone-transfer/dynamic-update components share.
package authority

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/atlasdns/atlasd/internal/zone"
)

// Store holds zero or more authoritative zones, indexed by apex name.
type Store struct {
	mu    sync.RWMutex
	zones map[string]*zone.Zone
}

// New creates an empty authority store.
func New() *Store {
	return &Store{zones: make(map[string]*zone.Zone)}
}

// AddZone registers a zone, replacing any existing zone with the same apex.
func (s *Store) AddZone(z *zone.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[z.Origin] = z
}

// RemoveZone deletes a zone by apex name.
func (s *Store) RemoveZone(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.zones, dns.Fqdn(origin))
}

// Zone returns the zone for an exact apex name, if loaded.
func (s *Store) Zone(origin string) (*zone.Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[dns.Fqdn(origin)]
	return z, ok
}

// Zones returns every loaded zone's apex name.
func (s *Store) Zones() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.zones))
	for name := range s.zones {
		names = append(names, name)
	}
	return names
}

// FindZone returns the zone with the longest apex that is a suffix of
// qname (i.e. the zone that is authoritative for it), or nil if no loaded
// zone covers qname.
func (s *Store) FindZone(qname string) *zone.Zone {
	qname = dns.Fqdn(qname)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *zone.Zone
	for origin, z := range s.zones {
		if !dns.IsSubDomain(origin, qname) {
			continue
		}
		if best == nil || len(origin) > len(best.Origin) {
			best = z
		}
	}
	return best
}

// Query answers an authoritative query, returning the zone it was answered
// from (for SOA/NXDOMAIN construction by the caller) and whether the zone
// covers qname at all. When found is true but rrs is empty, the caller
// builds the negative response from z's SOA.
func (s *Store) Query(qname string, qtype uint16) (rrs []dns.RR, z *zone.Zone, found bool) {
	z = s.FindZone(qname)
	if z == nil {
		return nil, nil, false
	}
	return z.GetRecords(qname, qtype), z, true
}

// Upsert adds or replaces a single record in the zone owning its name,
// bumping the zone serial. Returns an error if no loaded zone covers the
// record's owner name.
func (s *Store) Upsert(rr dns.RR) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := rr.Header().Name
	z := s.findZoneLocked(owner)
	if z == nil {
		return fmt.Errorf("no zone loaded for %s", owner)
	}
	if err := z.AddRecord(rr); err != nil {
		return err
	}
	return z.IncrementSerial()
}

// DeleteRecords removes every record of rrtype at owner within its zone.
func (s *Store) DeleteRecords(owner string, rrtype uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.findZoneLocked(owner)
	if z == nil {
		return fmt.Errorf("no zone loaded for %s", owner)
	}
	owner = dns.Fqdn(owner)
	if typeMap, ok := z.Records[owner]; ok {
		delete(typeMap, rrtype)
		if len(typeMap) == 0 {
			delete(z.Records, owner)
		}
	}
	return z.IncrementSerial()
}

func (s *Store) findZoneLocked(qname string) *zone.Zone {
	qname = dns.Fqdn(qname)
	var best *zone.Zone
	for origin, z := range s.zones {
		if !dns.IsSubDomain(origin, qname) {
			continue
		}
		if best == nil || len(origin) > len(best.Origin) {
			best = z
		}
	}
	return best
}

// LoadDirectory loads every zone file in dir. Files ending in .bind or
// .zone are parsed as RFC 1035 text and files ending in .dnszone, .yaml or
// .yml as the native YAML format; files with any other extension are
// skipped.
func (s *Store) LoadDirectory(dir string, cfg zone.Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read zone directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		var z *zone.Zone
		var err error
		switch ext := filepath.Ext(entry.Name()); ext {
		case ".bind", ".zone":
			z, err = zone.ParseBIND(path, "", cfg)
		case ".dnszone", ".yaml", ".yml":
			z, err = zone.ParseDNSZone(path, cfg)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		s.AddZone(z)
	}
	return nil
}

// SaveDirectory persists every loaded zone to dir as RFC1035 zone text
// (<origin>.bind, rendered by ExportBIND). It does not write the .dnszone
// YAML format, even for zones that LoadDirectory read from YAML. Writes are per-zone isolated: one zone failing to
// export or write does not stop the rest from being saved; every failure is
// collected and returned together.
func (s *Store) SaveDirectory(dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	for origin, z := range s.zones {
		filename := filepath.Join(dir, strings.TrimSuffix(origin, ".")+".bind")
		text, err := z.ExportBIND()
		if err != nil {
			errs = append(errs, fmt.Errorf("export %s: %w", origin, err))
			continue
		}
		if err := os.WriteFile(filename, []byte(text), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", filename, err))
			continue
		}
	}
	return errors.Join(errs...)
}
