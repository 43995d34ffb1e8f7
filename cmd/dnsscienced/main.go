package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/atlasdns/atlasd/internal/server"
)

var (
	udpAddr       = flag.String("udp", ":53", "UDP listen address")
	tcpAddr       = flag.String("tcp", ":53", "TCP listen address")
	udpListeners  = flag.Int("listeners", runtime.NumCPU(), "Number of UDP listeners (SO_REUSEPORT)")
	fastHeader    = flag.Bool("fast-header-check", false, "Use the dnsasm-backed single-socket UDP listener instead of the SO_REUSEPORT pool")
	zoneFile      = flag.String("zone", "", "Single zone file to load (optional)")
	zoneFormat    = flag.String("format", "dnszone", "Zone file format for -zone (dnszone, bind)")
	zoneDir       = flag.String("zone-dir", "", "Directory of zone files to load at startup (optional)")
	recursive     = flag.Bool("recursive", true, "Enable recursive resolution for non-authoritative queries")
	recursionMode = flag.String("recursion-mode", "iterative", "Recursion strategy: iterative or forwarding")
	forwardTo     = flag.String("forward-to", "", "Upstream resolver (host:port), required when -recursion-mode=forwarding")
	authoritative = flag.Bool("authoritative", false, "Enable authoritative answers from loaded zones")
	enableDoT     = flag.Bool("dot", false, "Enable DNS-over-TLS (RFC 7858)")
	dotAddr       = flag.String("dot-addr", ":853", "DoT listen address")
	dotCert       = flag.String("dot-cert", "", "TLS certificate for DoT")
	dotKey        = flag.String("dot-key", "", "TLS private key for DoT")
	enableDoH     = flag.Bool("doh", false, "Enable DNS-over-HTTPS (RFC 8484)")
	dohAddr       = flag.String("doh-addr", ":443", "DoH listen address")
	dohCert       = flag.String("doh-cert", "", "TLS certificate for DoH")
	dohKey        = flag.String("doh-key", "", "TLS private key for DoH")
	enableDoQ     = flag.Bool("doq", false, "Enable DNS-over-QUIC (RFC 9250)")
	doqAddr       = flag.String("doq-addr", ":8853", "DoQ listen address")
	doqCert       = flag.String("doq-cert", "", "TLS certificate for DoQ")
	doqKey        = flag.String("doq-key", "", "TLS private key for DoQ")
	allowTransfer = flag.String("allow-transfer", "", "Comma-separated CIDRs allowed to AXFR/IXFR")
	allowUpdate   = flag.String("allow-update", "", "Comma-separated CIDRs allowed to send dynamic updates")
	stats         = flag.Bool("stats", true, "Print statistics periodically")
)

func main() {
	flag.Parse()

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                                                              ║")
	fmt.Println("║                 Atlas - Hybrid DNS Server                     ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	cfg := server.DefaultConfig()
	cfg.UDPAddr = *udpAddr
	cfg.TCPAddr = *tcpAddr
	cfg.UDPListeners = *udpListeners
	cfg.EnableFastHeaderCheck = *fastHeader
	cfg.EnableRecursive = *recursive
	cfg.EnableAuthoritative = *authoritative
	cfg.ZoneDir = *zoneDir

	switch *recursionMode {
	case "forwarding":
		cfg.RecursionMode = server.ModeForwarding
		cfg.ForwardUpstream = *forwardTo
	default:
		cfg.RecursionMode = server.ModeIterative
	}

	cfg.EnableDoT = *enableDoT
	cfg.DoTConfig.Address = *dotAddr
	cfg.DoTConfig.CertFile = *dotCert
	cfg.DoTConfig.KeyFile = *dotKey

	cfg.EnableDoH = *enableDoH
	cfg.DoHConfig.Address = *dohAddr
	cfg.DoHConfig.CertFile = *dohCert
	cfg.DoHConfig.KeyFile = *dohKey

	cfg.EnableDoQ = *enableDoQ
	cfg.DoQConfig.Address = *doqAddr
	cfg.DoQConfig.CertFile = *doqCert
	cfg.DoQConfig.KeyFile = *doqKey

	if *allowTransfer != "" {
		cfg.Xfer.AllowedIPs = splitCSV(*allowTransfer)
	}
	if *allowUpdate != "" {
		cfg.Xfer.DynamicUpdate.Enabled = true
		cfg.Xfer.DynamicUpdate.AllowedIPs = splitCSV(*allowUpdate)
	}

	fmt.Printf("Configuration:\n")
	fmt.Printf("  UDP Address:      %s\n", cfg.UDPAddr)
	fmt.Printf("  TCP Address:      %s\n", cfg.TCPAddr)
	fmt.Printf("  UDP Listeners:    %d (SO_REUSEPORT)\n", cfg.UDPListeners)
	fmt.Printf("  CPU Cores:        %d\n", runtime.NumCPU())
	fmt.Printf("  Recursive:        %v (%s)\n", cfg.EnableRecursive, cfg.RecursionMode)
	fmt.Printf("  Authoritative:    %v\n", cfg.EnableAuthoritative)
	fmt.Printf("  DNS Cookies:      %v\n", cfg.EnableCookies)
	fmt.Printf("  RRL:              %v\n", cfg.EnableRRL)
	fmt.Printf("  DoT:              %v\n", cfg.EnableDoT)
	fmt.Printf("  DoH:              %v\n", cfg.EnableDoH)
	fmt.Printf("  DoQ:              %v\n", cfg.EnableDoQ)
	fmt.Println()

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		os.Exit(1)
	}

	if *zoneFile != "" {
		fmt.Printf("Loading zone: %s (format: %s)\n", *zoneFile, *zoneFormat)
		if err := srv.LoadZone(*zoneFile, *zoneFormat); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading zone: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Atlas DNS server started successfully!")
	fmt.Println()

	if *stats {
		go printStats(srv)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	fmt.Println()

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func printStats(srv *server.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastQueries := uint64(0)
	lastTime := time.Now()

	for range ticker.C {
		stats := srv.GetStats()
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()

		qps := float64(stats.Queries-lastQueries) / elapsed

		fmt.Printf("═══════════════════════════════════════════════════════════\n")
		fmt.Printf("Statistics (%.1fs interval):\n", elapsed)
		fmt.Printf("  Queries:    %10d  (%.0f qps)\n", stats.Queries, qps)
		fmt.Printf("  Answers:    %10d\n", stats.Answers)
		fmt.Printf("  Errors:     %10d\n", stats.Errors)
		fmt.Printf("  NXDOMAIN:   %10d\n", stats.NXDOMAIN)
		fmt.Printf("  Refused:    %10d\n", stats.Refused)

		if stats.Resolver != nil {
			fmt.Printf("\nResolver:\n")
			fmt.Printf("  Cache Hits:   %10d  (%.1f%% hit rate)\n",
				stats.Resolver.Cache.Hits,
				stats.Resolver.Cache.HitRate*100)
			fmt.Printf("  Cache Misses: %10d\n", stats.Resolver.Cache.Misses)
			fmt.Printf("  Cache Size:   %10d entries\n", stats.Resolver.Cache.Size)
		}

		if stats.RRL != nil {
			fmt.Printf("\nRate Limiting:\n")
			fmt.Printf("  Allowed:  %10d\n", stats.RRL.Allowed)
			fmt.Printf("  Dropped:  %10d  (%.1f%%)\n",
				stats.RRL.Dropped,
				stats.RRL.DropRate*100)
			fmt.Printf("  Slipped:  %10d\n", stats.RRL.Slipped)
		}

		fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

		lastQueries = stats.Queries
		lastTime = now
	}
}
