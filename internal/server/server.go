package server

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/atlasdns/atlasd/internal/atlasctx"
	"github.com/atlasdns/atlasd/internal/authority"
	"github.com/atlasdns/atlasd/internal/cache"
	"github.com/atlasdns/atlasd/internal/client"
	"github.com/atlasdns/atlasd/internal/cookie"
	"github.com/atlasdns/atlasd/internal/pool"
	"github.com/atlasdns/atlasd/internal/resolver"
	"github.com/atlasdns/atlasd/internal/rrl"
	"github.com/atlasdns/atlasd/internal/security"
	"github.com/atlasdns/atlasd/internal/transport"
	"github.com/atlasdns/atlasd/internal/xfer"
	"github.com/atlasdns/atlasd/internal/zone"
)

// RecursionMode selects which resolver.Strategy backs recursive queries.
type RecursionMode string

const (
	ModeForwarding RecursionMode = "forwarding"
	ModeIterative  RecursionMode = "iterative"
)

// Config holds top-level server configuration: listeners, the zones this
// instance is authoritative for, the recursive resolution strategy, and
// every security/transport feature layered on top.
type Config struct {
	// Listen addresses.
	UDPAddr string
	TCPAddr string

	// Number of UDP listeners (SO_REUSEPORT).
	UDPListeners int

	// Authoritative serving.
	EnableAuthoritative bool
	ZoneDir             string // loaded via authority.Store.LoadDirectory at New, if set

	// Recursive resolution.
	EnableRecursive bool
	RecursionMode   RecursionMode
	ForwardUpstream string   // required for ModeForwarding
	RootHints       []net.IP // seeds ModeIterative when no delegation is cached
	MaxIterations   int
	ResolverConfig  resolver.Config
	ClientConfig    client.Config

	// DNS cookies (RFC 7873/9018).
	EnableCookies bool
	CookieConfig  cookie.Config

	// Response rate limiting.
	EnableRRL bool
	RRLConfig rrl.Config

	// Security gate: rate limiter, firewall, DDoS scoring.
	Security      security.GateConfig
	FirewallRules []*security.FirewallRule

	// Zone transfer and dynamic update.
	Xfer xfer.Config

	// Secondary transports.
	EnableDoT bool
	DoTConfig transport.DoTConfig
	EnableDoH bool
	DoHConfig transport.DoHConfig
	EnableDoQ bool
	DoQConfig transport.DoQConfig

	// EnableFastHeaderCheck rejects grossly malformed UDP packets using
	// dnsasm's assembly-optimized header parser before the slower
	// miekg/dns unpack runs, saving a full parse on garbage/attack
	// traffic. Disabled by default since it requires the dnsasm cgo
	// build to be present on the host.
	EnableFastHeaderCheck bool

	// Performance tuning.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration // TCP only

	// UDP buffer sizes.
	UDPReadBuffer  int
	UDPWriteBuffer int

	// Atlas is the shared metrics/eventing handle every pipeline stage
	// publishes through. If nil, New builds a default one.
	Atlas *atlasctx.Context
}

// DefaultConfig returns a conservative default configuration: iterative
// recursion, cookies and RRL on, transfers/updates off until an operator
// opts in with allow-lists.
func DefaultConfig() Config {
	return Config{
		UDPAddr:      ":53",
		TCPAddr:      ":53",
		UDPListeners: runtime.NumCPU(),

		EnableRecursive: true,
		RecursionMode:   ModeIterative,
		MaxIterations:   30,
		ResolverConfig: resolver.Config{
			CacheConfig: cache.Config{
				ShardCount: 256,
				MaxEntries: 100000,
			},
			Workers:        1000,
			QueryTimeout:   5 * time.Second,
			AllowRecursive: true,
		},
		ClientConfig: client.Config{
			Timeout:    5 * time.Second,
			UDPSize:    4096,
			Enable0x20: true,
		},

		EnableAuthoritative: false,

		EnableCookies: true,
		CookieConfig: cookie.Config{
			RequireValid: false,
		},

		EnableRRL: true,
		RRLConfig: rrl.DefaultConfig(),

		Security: security.DefaultGateConfig(),
		Xfer:     xfer.DefaultConfig(),

		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,

		UDPReadBuffer:  8 * 1024 * 1024,
		UDPWriteBuffer: 8 * 1024 * 1024,
	}
}

// Server is the top-level Atlas DNS server: it owns the authority store,
// the resolver, the security gate, and the zone-transfer/dynamic-update
// manager, and dispatches every transport (UDP, TCP, DoT, DoH) into the
// same process_query kernel (HandleDNS).
type Server struct {
	cfg Config

	authority *authority.Store
	resolver  *resolver.Resolver
	gate      *security.Gate
	xfer      *xfer.Manager
	cookies   *cookie.Manager
	rrl       *rrl.Limiter

	atlas *atlasctx.Context

	udpServers []*dns.Server
	tcpServer  *dns.Server
	dot        *transport.DoTListener
	doh        *transport.DoHListener
	doq        *transport.DoQListener
	fastUDP    *FastUDPListener

	queries  atomic.Uint64
	answers  atomic.Uint64
	errors   atomic.Uint64
	nxdomain atomic.Uint64
	refused  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server from cfg. It loads ZoneDir (if set) into a fresh
// authority.Store, builds the resolver's strategy from RecursionMode, and
// wires the security gate and zone-transfer manager against the same
// authority store.
func New(cfg Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{cfg: cfg, ctx: ctx, cancel: cancel}

	s.atlas = cfg.Atlas
	if s.atlas == nil {
		s.atlas = atlasctx.New()
	}

	s.authority = authority.New()
	if cfg.ZoneDir != "" {
		if err := s.authority.LoadDirectory(cfg.ZoneDir, zone.DefaultConfig()); err != nil {
			cancel()
			return nil, fmt.Errorf("load zone directory: %w", err)
		}
	}

	if cfg.EnableRecursive {
		ch := cache.NewShardedCache(cfg.ResolverConfig.CacheConfig)
		cl := client.New(cfg.ClientConfig)

		var strategy resolver.Strategy
		switch cfg.RecursionMode {
		case ModeForwarding:
			if cfg.ForwardUpstream == "" {
				cancel()
				return nil, fmt.Errorf("forwarding mode requires ForwardUpstream")
			}
			strategy = resolver.NewForwarding(cfg.ForwardUpstream, cl)
		case ModeIterative, "":
			strategy = resolver.NewIterative(cl, ch, cfg.MaxIterations, cfg.RootHints)
		default:
			cancel()
			return nil, fmt.Errorf("unknown recursion mode %q", cfg.RecursionMode)
		}

		resolverCfg := cfg.ResolverConfig
		resolverCfg.AllowRecursive = true
		// Cookies and RRL are applied at the transport layer below, on the
		// raw wire message, not inside the resolver.
		resolverCfg.EnableCookies = false
		resolverCfg.EnableRRL = false

		var err error
		s.resolver, err = resolver.New(s.authority, ch, strategy, resolverCfg)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("init resolver: %w", err)
		}
	}

	firewall := security.NewFirewall()
	for _, rule := range cfg.FirewallRules {
		firewall.AddRule(rule)
	}
	gate, err := security.NewGate(cfg.Security, firewall)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init security gate: %w", err)
	}
	s.gate = gate

	xferMgr, err := xfer.NewManager(cfg.Xfer, s.authority)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init zone transfer manager: %w", err)
	}
	s.xfer = xferMgr
	s.xfer.SetOnChange(func(origin string, serial uint32) {
		s.atlas.NotifySOAChange(s.ctx, origin, serial)
	})

	if cfg.EnableCookies {
		s.cookies, err = cookie.NewManager(cfg.CookieConfig)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("init cookies: %w", err)
		}
	}

	if cfg.EnableRRL {
		s.rrl = rrl.NewLimiter(cfg.RRLConfig)
	}

	// EnableFastHeaderCheck trades the SO_REUSEPORT multi-listener UDP path
	// for a single socket that pre-validates every packet with dnsasm
	// before the full miekg/dns unpack; the two are mutually exclusive
	// since both would otherwise need to share one listen address.
	if cfg.EnableFastHeaderCheck {
		s.fastUDP, err = NewFastUDPListener(cfg.UDPAddr, s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("init fast UDP listener: %w", err)
		}
	} else {
		for i := 0; i < cfg.UDPListeners; i++ {
			s.udpServers = append(s.udpServers, &dns.Server{
				Addr:         cfg.UDPAddr,
				Net:          "udp",
				ReusePort:    true,
				Handler:      dns.HandlerFunc(s.handleDNS),
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
				UDPSize:      4096,
			})
		}
	}

	tsigKeys := make(map[string]string, len(cfg.Xfer.TSIGKeys))
	for name, secret := range cfg.Xfer.TSIGKeys {
		tsigKeys[dns.Fqdn(name)] = secret
	}
	s.tcpServer = &dns.Server{
		Addr:         cfg.TCPAddr,
		Net:          "tcp",
		Handler:      dns.HandlerFunc(s.handleDNS),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TsigSecret:   tsigKeys,
	}

	if cfg.EnableDoT {
		s.dot, err = transport.NewDoTListener(cfg.DoTConfig, transport.HandlerFunc(s.HandleDNS))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("init DoT listener: %w", err)
		}
	}
	if cfg.EnableDoH {
		s.doh, err = transport.NewDoHListener(cfg.DoHConfig, transport.HandlerFunc(s.HandleDNS))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("init DoH listener: %w", err)
		}
	}
	if cfg.EnableDoQ {
		s.doq, err = transport.NewDoQListener(cfg.DoQConfig, transport.HandlerFunc(s.HandleDNS))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("init DoQ listener: %w", err)
		}
	}

	return s, nil
}

// Start starts every configured listener.
func (s *Server) Start() error {
	if s.fastUDP != nil {
		fmt.Printf("Fast UDP listener started on %s (dnsasm pre-check)\n", s.cfg.UDPAddr)
		s.fastUDP.Start()
	}

	for i, udpServer := range s.udpServers {
		i, udpServer := i, udpServer
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			fmt.Printf("UDP listener %d started on %s (SO_REUSEPORT)\n", i, s.cfg.UDPAddr)
			if err := udpServer.ListenAndServe(); err != nil {
				fmt.Printf("UDP listener %d error: %v\n", i, err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fmt.Printf("TCP listener started on %s\n", s.cfg.TCPAddr)
		if err := s.tcpServer.ListenAndServe(); err != nil {
			fmt.Printf("TCP listener error: %v\n", err)
		}
	}()

	if s.dot != nil {
		if err := s.dot.Start(); err != nil {
			return fmt.Errorf("start DoT listener: %w", err)
		}
	}
	if s.doh != nil {
		if err := s.doh.Start(); err != nil {
			return fmt.Errorf("start DoH listener: %w", err)
		}
	}
	if s.doq != nil {
		if err := s.doq.Start(); err != nil {
			return fmt.Errorf("start DoQ listener: %w", err)
		}
	}

	go s.gate.Run(s.ctx.Done())

	return nil
}

// Stop gracefully stops every listener and releases background resources.
func (s *Server) Stop() error {
	fmt.Println("Shutting down DNS server...")
	s.cancel()

	if s.fastUDP != nil {
		if err := s.fastUDP.Stop(); err != nil {
			fmt.Printf("Error shutting down fast UDP listener: %v\n", err)
		}
	}

	for i, udpServer := range s.udpServers {
		if err := udpServer.Shutdown(); err != nil {
			fmt.Printf("Error shutting down UDP listener %d: %v\n", i, err)
		}
	}
	if err := s.tcpServer.Shutdown(); err != nil {
		fmt.Printf("Error shutting down TCP listener: %v\n", err)
	}
	if s.dot != nil {
		s.dot.Stop()
	}
	if s.doh != nil {
		s.doh.Stop()
	}
	if s.doq != nil {
		s.doq.Stop()
	}

	s.wg.Wait()

	if s.resolver != nil {
		s.resolver.Close()
	}
	if s.rrl != nil {
		s.rrl.Close()
	}

	fmt.Println("DNS server stopped")
	return nil
}

// handleDNS is the UDP/TCP entry point (via dns.Server), used for every
// listener except the optional fast-path UDP listener in fastudp.go. It
// runs the shared HandleDNS kernel and writes the result.
func (s *Server) handleDNS(w dns.ResponseWriter, r *dns.Msg) {
	var clientIP net.IP
	if addr, ok := w.RemoteAddr().(*net.UDPAddr); ok {
		clientIP = addr.IP
	} else if addr, ok := w.RemoteAddr().(*net.TCPAddr); ok {
		clientIP = addr.IP
	}

	ctx := transport.WithClientIP(s.ctx, clientIP)

	if len(r.Question) > 0 {
		switch r.Question[0].Qtype {
		case dns.TypeAXFR:
			if err := s.xfer.ServeAXFR(w, r, clientIP); err != nil {
				fmt.Printf("AXFR error: %v\n", err)
			}
			return
		case dns.TypeIXFR:
			if err := s.xfer.ServeIXFR(w, r, clientIP); err != nil {
				fmt.Printf("IXFR error: %v\n", err)
			}
			return
		}
	}
	if r.Opcode == dns.OpcodeUpdate {
		w.WriteMsg(s.xfer.HandleUpdate(r, clientIP, w))
		return
	}

	resp, err := s.HandleDNS(ctx, r)
	if err != nil {
		m := pool.GetMessage()
		defer pool.PutMessage(m)
		m.SetReply(r)
		m.Rcode = dns.RcodeServerFailure
		s.errors.Add(1)
		w.WriteMsg(m)
		return
	}
	if resp == nil {
		// RRL dropped the response outright: no reply sent.
		return
	}

	w.WriteMsg(resp)
}

// HandleDNS is the shared process_query kernel every transport (UDP, TCP,
// DoT, DoH) calls through: a NOTIMP reply for AXFR/IXFR/UPDATE (handleDNS
// serves those on UDP/TCP before reaching here), then DNS cookie
// validation, the security gate (rate limiter, firewall, DDoS scorer),
// authoritative-or-recursive resolution, and response rate limiting, in
// that order.
func (s *Server) HandleDNS(ctx context.Context, r *dns.Msg) (resp *dns.Msg, err error) {
	start := time.Now()
	s.queries.Add(1)
	clientIP := transport.ClientIPFromContext(ctx)
	cc := atlasctx.NewCorrelationContext(nil)
	ctx = atlasctx.WithCorrelation(ctx, cc)

	defer func() {
		if resp != nil {
			s.atlas.ObserveQuery(dns.RcodeToString[resp.Rcode], time.Since(start))
		}
	}()

	if len(r.Question) == 0 {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Rcode = dns.RcodeFormatError
		s.errors.Add(1)
		return m, nil
	}
	question := r.Question[0]

	if question.Qtype == dns.TypeAXFR || question.Qtype == dns.TypeIXFR || r.Opcode == dns.OpcodeUpdate {
		// Zone transfer and dynamic update need a raw dns.ResponseWriter
		// (streaming multiple messages, or TSIG verification via
		// TsigStatus), neither of which this single-message kernel has;
		// internal/server/server.go's handleDNS intercepts these before
		// reaching here. Transports without a ResponseWriter (DoT, DoH)
		// don't support them.
		m := new(dns.Msg)
		m.SetReply(r)
		m.Rcode = dns.RcodeNotImplemented
		return m, nil
	}

	clientCookie, serverCookie, hasCookie := s.extractCookie(r)
	if s.cookies != nil && hasCookie {
		if bad := s.checkCookie(r, clientCookie, serverCookie, clientIP); bad != nil {
			s.errors.Add(1)
			return bad, nil
		}
	}

	decision := s.gate.Evaluate(clientIP, question.Name, question.Qtype)
	if decision.Verdict != security.VerdictAllow {
		s.atlas.ObserveSecurityVerdict(ctx, decision.Verdict.String(), clientIP.String())
		resp = s.responseFromDecision(r, decision)
		s.errors.Add(1)
		return resp, nil
	}

	resp, err = s.resolve(ctx, r, clientIP)
	if err != nil {
		return nil, err
	}
	resp.Compress = true
	resp.RecursionAvailable = s.cfg.EnableRecursive

	if s.cookies != nil && hasCookie {
		newServerCookie, _ := s.cookies.GenerateServerCookie(clientCookie, clientIP)
		s.addCookieToResponse(resp, clientCookie, newServerCookie)
	}

	if s.shouldRateLimit(resp, clientIP) {
		return nil, nil
	}

	s.answers.Add(1)
	if resp.Rcode == dns.RcodeNameError {
		s.nxdomain.Add(1)
	}

	return resp, nil
}

// resolve answers an already gate-cleared query: authoritative zones are
// tried first (via the shared authority.Store), falling through to the
// recursive resolver when the query isn't covered by a loaded zone.
func (s *Server) resolve(ctx context.Context, r *dns.Msg, clientIP net.IP) (*dns.Msg, error) {
	question := r.Question[0]

	if s.cfg.EnableAuthoritative {
		if rrs, z, found := s.authority.Query(question.Name, question.Qtype); found {
			m := pool.GetMessage()
			defer pool.PutMessage(m)
			m.SetReply(r)
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
			return m.Copy(), nil
		}
	}

	if s.resolver == nil {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Rcode = dns.RcodeRefused
		s.refused.Add(1)
		return m, nil
	}

	return s.resolver.Resolve(ctx, r, clientIP)
}

func (s *Server) responseFromDecision(r *dns.Msg, d security.Decision) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Rcode = d.Rcode

	if d.SinkholeA != nil || d.SinkholeAAAA != nil {
		question := r.Question[0]
		hdr := dns.RR_Header{Name: question.Name, Rrtype: question.Qtype, Class: dns.ClassINET, Ttl: d.SinkholeTTL}
		switch question.Qtype {
		case dns.TypeA:
			if d.SinkholeA != nil {
				m.Answer = []dns.RR{&dns.A{Hdr: hdr, A: d.SinkholeA}}
			}
		case dns.TypeAAAA:
			if d.SinkholeAAAA != nil {
				m.Answer = []dns.RR{&dns.AAAA{Hdr: hdr, AAAA: d.SinkholeAAAA}}
			}
		}
	}

	return m
}

func (s *Server) extractCookie(r *dns.Msg) (client [8]byte, server [8]byte, ok bool) {
	opt := r.IsEdns0()
	if opt == nil {
		return client, server, false
	}
	for _, option := range opt.Option {
		if c, isCookie := option.(*dns.EDNS0_COOKIE); isCookie {
			raw := []byte(c.Cookie)
			if len(raw) < 8 {
				return client, server, false
			}
			copy(client[:], raw[:8])
			if len(raw) >= 16 {
				copy(server[:], raw[8:16])
			}
			return client, server, true
		}
	}
	return client, server, false
}

func (s *Server) checkCookie(r *dns.Msg, clientCookie, serverCookie [8]byte, clientIP net.IP) *dns.Msg {
	if serverCookie == [8]byte{} {
		return nil
	}
	if s.cookies.ValidateServerCookie(clientCookie, serverCookie, clientIP) == nil {
		return nil
	}
	if !s.cfg.CookieConfig.RequireValid {
		return nil
	}
	m := new(dns.Msg)
	m.SetReply(r)
	m.Rcode = dns.RcodeBadCookie
	newServerCookie, _ := s.cookies.GenerateServerCookie(clientCookie, clientIP)
	s.addCookieToResponse(m, clientCookie, newServerCookie)
	return m
}

// shouldRateLimit applies response rate limiting to an about-to-be-sent
// reply, mutating it in place for the slip case (TC bit, sections
// cleared) and reporting true when the caller should drop the response
// outright rather than write it.
func (s *Server) shouldRateLimit(m *dns.Msg, clientIP net.IP) bool {
	if !s.cfg.EnableRRL || s.rrl == nil || len(m.Question) == 0 {
		return false
	}

	question := m.Question[0]
	category := rrl.CategorizeResponse(m.Rcode, len(m.Answer), len(m.Ns))
	action := s.rrl.Check(clientIP, question.Name, question.Qtype, category)

	switch action {
	case rrl.ActionDrop:
		return true
	case rrl.ActionSlip:
		m.Truncated = true
		m.Answer = nil
		m.Ns = nil
		m.Extra = nil
		return false
	default:
		return false
	}
}

// Stats reports top-level server statistics.
type Stats struct {
	Queries  uint64
	Answers  uint64
	Errors   uint64
	NXDOMAIN uint64
	Refused  uint64

	Resolver *resolver.Stats
	RRL      *rrl.Stats
}

// GetStats returns current statistics.
func (s *Server) GetStats() Stats {
	stats := Stats{
		Queries:  s.queries.Load(),
		Answers:  s.answers.Load(),
		Errors:   s.errors.Load(),
		NXDOMAIN: s.nxdomain.Load(),
		Refused:  s.refused.Load(),
	}
	if s.resolver != nil {
		resolverStats := s.resolver.GetStats()
		stats.Resolver = &resolverStats
	}
	if s.rrl != nil {
		rrlStats := s.rrl.GetStats()
		stats.RRL = &rrlStats
	}
	return stats
}

// LoadZone loads a single zone file and registers it with the authority
// store.
func (s *Server) LoadZone(filename, format string) error {
	var z *zone.Zone
	var err error

	cfg := zone.DefaultConfig()
	switch format {
	case "dnszone", "yaml":
		z, err = zone.ParseDNSZone(filename, cfg)
	case "bind", "rfc1035":
		z, err = zone.ParseBIND(filename, "", cfg)
	default:
		return fmt.Errorf("unknown zone format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("parse zone %s: %w", filename, err)
	}

	s.authority.AddZone(z)
	fmt.Printf("Loaded zone: %s (%d records)\n", z.Name, z.GetStats().Records)
	return nil
}

// AddZone validates and registers a zone with the authority store.
func (s *Server) AddZone(z *zone.Zone) error {
	if z == nil {
		return fmt.Errorf("zone is nil")
	}
	if err := z.Validate(); err != nil {
		return fmt.Errorf("zone validation failed: %w", err)
	}
	s.authority.AddZone(z)
	return nil
}

// RemoveZone removes a zone from the authority store.
func (s *Server) RemoveZone(origin string) {
	s.authority.RemoveZone(origin)
}

// GetZone returns a zone by origin, if loaded.
func (s *Server) GetZone(origin string) *zone.Zone {
	z, _ := s.authority.Zone(origin)
	return z
}

// Authority exposes the underlying authority.Store, e.g. for an admin
// surface that needs Zones()/SaveDirectory().
func (s *Server) Authority() *authority.Store { return s.authority }

// XferManager exposes the zone-transfer/dynamic-update manager so a TCP
// AXFR/IXFR path can be wired in by whatever owns the raw connection.
func (s *Server) XferManager() *xfer.Manager { return s.xfer }

func (s *Server) addCookieToResponse(m *dns.Msg, clientCookie, serverCookie [8]byte) {
	opt := m.IsEdns0()
	if opt == nil {
		opt = &dns.OPT{
			Hdr: dns.RR_Header{
				Name:   ".",
				Rrtype: dns.TypeOPT,
				Class:  4096,
			},
		}
		m.Extra = append(m.Extra, opt)
	}

	fullCookie := make([]byte, 16)
	copy(fullCookie[0:8], clientCookie[:])
	copy(fullCookie[8:16], serverCookie[:])

	opt.Option = append(opt.Option, &dns.EDNS0_COOKIE{
		Code:   dns.EDNS0COOKIE,
		Cookie: string(fullCookie),
	})
}
