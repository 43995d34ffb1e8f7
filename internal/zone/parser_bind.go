package zone

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

// ParseBIND parses an RFC 1035 master (zone) file using miekg/dns's own
// zone tokenizer, which already handles $ORIGIN, $TTL, $INCLUDE (bounded
// include depth), multi-line parenthesized records, and ";" comments.
//
// If origin is empty, the $ORIGIN directive (if present) is read ahead of
// time to seed the zone's apex name; server.go's LoadZone calls this with
// an empty origin for BIND-format zones, so callers must not assume origin
// is always supplied.
func ParseBIND(filename, origin string, cfg Config) (*Zone, error) {
	if origin == "" {
		detected, err := detectOrigin(filename)
		if err != nil {
			return nil, fmt.Errorf("detect origin: %w", err)
		}
		origin = detected
	}

	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open zone file: %w", err)
	}
	defer f.Close()

	baseDir := cfg.BaseDir
	if baseDir == "" || baseDir == "." {
		baseDir = filepath.Dir(filename)
	}

	zp := dns.NewZoneParser(f, origin, baseDir)
	zp.SetIncludeAllowed(cfg.AllowIncludes)
	if cfg.DefaultTTL > 0 {
		zp.SetDefaultTTL(cfg.DefaultTTL)
	}

	var z *Zone
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if z == nil {
			apex := origin
			if apex == "" {
				apex = rr.Header().Name
			}
			z = New(apex)
		}
		if err := z.AddRecord(rr); err != nil {
			if cfg.Strict {
				return nil, fmt.Errorf("%s:%d: %w", filename, zp.Line(), err)
			}
			continue
		}
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parse zone file %s: %w", filename, err)
	}
	if z == nil {
		return nil, fmt.Errorf("zone file %s contains no records", filename)
	}

	if cfg.Strict {
		if err := z.Validate(); err != nil {
			return nil, fmt.Errorf("validate %s: %w", z.Origin, err)
		}
	}

	return z, nil
}

// detectOrigin scans a zone file for a leading $ORIGIN directive without
// fully parsing it, for the empty-origin auto-detect case.
func detectOrigin(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, ";") || line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.EqualFold(fields[0], "$ORIGIN") {
			return dns.Fqdn(fields[1]), nil
		}
		// Stop scanning once we hit the first real record; $ORIGIN
		// only matters if it precedes records that rely on it.
		if !strings.HasPrefix(line, "$") {
			break
		}
	}
	return "", sc.Err()
}

// ExportBIND renders the zone as RFC 1035 master-file text.
func (z *Zone) ExportBIND() (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "$ORIGIN %s\n", z.Origin)
	fmt.Fprintf(&b, "$TTL %d\n\n", defaultZoneTTL(z))

	if z.SOA != nil {
		fmt.Fprintf(&b, "%s\t%d\tIN\tSOA\t%s %s (\n", "@", z.SOA.Hdr.Ttl, z.SOA.Ns, z.SOA.Mbox)
		fmt.Fprintf(&b, "\t\t\t\t%d ; serial\n", z.SOA.Serial)
		fmt.Fprintf(&b, "\t\t\t\t%d ; refresh\n", z.SOA.Refresh)
		fmt.Fprintf(&b, "\t\t\t\t%d ; retry\n", z.SOA.Retry)
		fmt.Fprintf(&b, "\t\t\t\t%d ; expire\n", z.SOA.Expire)
		fmt.Fprintf(&b, "\t\t\t\t%d ) ; minimum\n\n", z.SOA.Minttl)
	}

	owners := make([]string, 0, len(z.Records))
	for owner := range z.Records {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	for _, owner := range owners {
		typeMap := z.Records[owner]
		types := make([]uint16, 0, len(typeMap))
		for t := range typeMap {
			if t == dns.TypeSOA {
				continue
			}
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

		for _, t := range types {
			for _, rr := range typeMap[t] {
				fmt.Fprintf(&b, "%s\t%d\tIN\t%s\n", makeRelative(owner, z.Origin), rr.Header().Ttl, rrBody(rr))
			}
		}
	}

	return b.String(), nil
}

// rrBody renders a record's type + RDATA portion (no owner/ttl/class),
// reusing dns.RR.String() and stripping its leading owner/ttl/class fields.
func rrBody(rr dns.RR) string {
	full := rr.String()
	fields := strings.SplitN(full, "\t", 4)
	if len(fields) == 4 {
		return fields[3]
	}
	return full
}

func defaultZoneTTL(z *Zone) uint32 {
	if z.SOA != nil && z.SOA.Hdr.Ttl > 0 {
		return z.SOA.Hdr.Ttl
	}
	return 3600
}

// ConvertBINDToDNSZone parses a BIND zone file and re-renders it as the
// native .dnszone YAML format (see parser_dnszone.go).
func ConvertBINDToDNSZone(filename, origin string, cfg Config) (string, error) {
	z, err := ParseBIND(filename, origin, cfg)
	if err != nil {
		return "", err
	}

	zf := DNSZoneFile{
		Zone:    ZoneSection{Name: strings.TrimSuffix(z.Origin, ".")},
		Records: make(map[string]RecordSection),
	}

	if z.SOA != nil {
		zf.SOA = SOASection{
			PrimaryNS:   strings.TrimSuffix(z.SOA.Ns, "."),
			Contact:     mboxToEmail(z.SOA.Mbox),
			Serial:      fmt.Sprintf("%d", z.SOA.Serial),
			Refresh:     fmt.Sprintf("%d", z.SOA.Refresh),
			Retry:       fmt.Sprintf("%d", z.SOA.Retry),
			Expire:      fmt.Sprintf("%d", z.SOA.Expire),
			NegativeTTL: fmt.Sprintf("%d", z.SOA.Minttl),
		}
	}

	for owner, typeMap := range z.Records {
		rel := makeRelative(owner, z.Origin)
		sec := zf.Records[rel]

		for rrtype, rrs := range typeMap {
			switch rrtype {
			case dns.TypeSOA:
				continue
			case dns.TypeA:
				sec.A = stringOrSlice(mapRRs(rrs, func(rr dns.RR) string { return rr.(*dns.A).A.String() }))
			case dns.TypeAAAA:
				sec.AAAA = stringOrSlice(mapRRs(rrs, func(rr dns.RR) string { return rr.(*dns.AAAA).AAAA.String() }))
			case dns.TypeCNAME:
				sec.CNAME = strings.TrimSuffix(rrs[0].(*dns.CNAME).Target, ".")
			case dns.TypeNS:
				sec.NS = stringOrSlice(mapRRs(rrs, func(rr dns.RR) string { return strings.TrimSuffix(rr.(*dns.NS).Ns, ".") }))
			case dns.TypeTXT:
				sec.TXT = stringOrSlice(mapRRs(rrs, func(rr dns.RR) string { return strings.Join(rr.(*dns.TXT).Txt, "") }))
			case dns.TypeMX:
				var items []interface{}
				for _, rr := range rrs {
					mx := rr.(*dns.MX)
					items = append(items, map[string]interface{}{
						"priority": int(mx.Preference),
						"target":   strings.TrimSuffix(mx.Mx, "."),
					})
				}
				sec.MX = items
			case dns.TypeSRV:
				var items []interface{}
				for _, rr := range rrs {
					srv := rr.(*dns.SRV)
					items = append(items, map[string]interface{}{
						"priority": int(srv.Priority),
						"weight":   int(srv.Weight),
						"port":     int(srv.Port),
						"target":   strings.TrimSuffix(srv.Target, "."),
					})
				}
				sec.SRV = items
			case dns.TypeCAA:
				var items []interface{}
				for _, rr := range rrs {
					caa := rr.(*dns.CAA)
					items = append(items, map[string]interface{}{
						"flags": int(caa.Flag),
						"tag":   caa.Tag,
						"value": caa.Value,
					})
				}
				sec.CAA = items
			}
		}

		zf.Records[rel] = sec
	}

	out, err := yaml.Marshal(&zf)
	if err != nil {
		return "", fmt.Errorf("marshal yaml: %w", err)
	}
	return string(out), nil
}

func mapRRs(rrs []dns.RR, fn func(dns.RR) string) []string {
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		out = append(out, fn(rr))
	}
	return out
}

func stringOrSlice(vals []string) interface{} {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}

// mboxToEmail reverses formatEmailAddress: "hostmaster.example.org." -> "hostmaster@example.org"
func mboxToEmail(mbox string) string {
	mbox = strings.TrimSuffix(mbox, ".")
	parts := strings.SplitN(mbox, ".", 2)
	if len(parts) != 2 {
		return mbox
	}
	return parts[0] + "@" + parts[1]
}

// makeRelative renders name relative to origin the way BIND zone files do:
// "@" at the apex, a bare label sequence below it, or the unchanged
// (dot-stripped) name when it falls outside the zone entirely.
func makeRelative(name, origin string) string {
	name = dns.Fqdn(name)
	origin = dns.Fqdn(origin)

	bareName := strings.TrimSuffix(name, ".")
	bareOrigin := strings.TrimSuffix(origin, ".")

	if strings.EqualFold(bareName, bareOrigin) {
		return "@"
	}

	suffix := "." + bareOrigin
	if len(bareName) > len(suffix) && strings.HasSuffix(strings.ToLower(bareName), strings.ToLower(suffix)) {
		return bareName[:len(bareName)-len(suffix)]
	}

	return bareName
}

// quoteIfNeeded wraps a zone-file token in double quotes when it would
// otherwise be ambiguous with BIND meta-characters or contain characters
// that require quoting in master-file syntax.
func quoteIfNeeded(s string) string {
	if s == "@" || s == "*" {
		return `"` + s + `"`
	}
	for _, r := range s {
		switch r {
		case ':', ';', '(', ')', ' ', '\t', '"':
			return `"` + s + `"`
		}
	}
	return s
}
