package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// DoQListener implements a DNS-over-QUIC listener per RFC 9250: one bidi
// QUIC stream per query, a 2-byte big-endian length prefix framing the DNS
// message exactly like DoT's TCP framing.
type DoQListener struct {
	mu       sync.Mutex
	addr     string
	config   *tls.Config
	quicCfg  *quic.Config
	listener *quic.Listener // matches quic.ListenAddr's v0.48 return type
	handler  Handler
	running  bool
	wg       sync.WaitGroup
}

// DoQConfig holds configuration for the DoQ listener.
type DoQConfig struct {
	Address         string        // Listen address (default ":853")
	TLSConfig       *tls.Config   // TLS configuration
	CertFile        string        // Path to TLS certificate (if TLSConfig not provided)
	KeyFile         string        // Path to TLS private key (if TLSConfig not provided)
	MaxIdleTimeout  time.Duration // QUIC connection idle timeout (default 30s)
	KeepAlivePeriod time.Duration // QUIC keepalive period (default 15s)
}

// NewDoQListener creates a new DNS-over-QUIC listener. The "doq"
// application-layer protocol (ALPN) is mandatory per RFC 9250 section 4.1.1.
func NewDoQListener(cfg DoQConfig, handler Handler) (*DoQListener, error) {
	if cfg.Address == "" {
		cfg.Address = ":853"
	}
	if cfg.MaxIdleTimeout == 0 {
		cfg.MaxIdleTimeout = 30 * time.Second
	}
	if cfg.KeepAlivePeriod == 0 {
		cfg.KeepAlivePeriod = 15 * time.Second
	}

	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else {
		return nil, fmt.Errorf("TLS configuration required: provide TLSConfig or CertFile/KeyFile")
	}
	tlsConfig.MinVersion = tls.VersionTLS13
	tlsConfig.NextProtos = []string{"doq"}

	return &DoQListener{
		addr:   cfg.Address,
		config: tlsConfig,
		quicCfg: &quic.Config{
			MaxIdleTimeout:  cfg.MaxIdleTimeout,
			KeepAlivePeriod: cfg.KeepAlivePeriod,
		},
		handler: handler,
	}, nil
}

// Start begins accepting QUIC connections.
func (l *DoQListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("listener already running")
	}

	listener, err := quic.ListenAddr(l.addr, l.config, l.quicCfg)
	if err != nil {
		return fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	l.listener = listener
	l.running = true

	go l.acceptLoop()
	return nil
}

// Stop gracefully stops the listener.
func (l *DoQListener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	err := l.listener.Close()
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

// Addr returns the listener's address.
func (l *DoQListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

func (l *DoQListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept(context.Background())
		if err != nil {
			l.mu.Lock()
			running := l.running
			l.mu.Unlock()
			if !running {
				return
			}
			continue
		}

		l.wg.Add(1)
		go func(c quic.Connection) {
			defer l.wg.Done()
			l.handleConnection(c)
		}(conn)
	}
}

func (l *DoQListener) handleConnection(conn quic.Connection) {
	defer conn.CloseWithError(0, "")

	ctx := context.Background()
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		ctx = WithClientIP(ctx, net.ParseIP(host))
	}

	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go l.handleStream(ctx, stream)
	}
}

func (l *DoQListener) handleStream(ctx context.Context, stream quic.Stream) {
	defer stream.Close()

	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(stream, lenBuf); err != nil {
		return
	}
	msgLen := binary.BigEndian.Uint16(lenBuf)

	msgBuf := make([]byte, msgLen)
	if _, err := io.ReadFull(stream, msgBuf); err != nil {
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(msgBuf); err != nil {
		return
	}

	resp, err := l.handler.HandleDNS(ctx, req)
	if err != nil {
		resp = new(dns.Msg)
		resp.SetRcode(req, dns.RcodeServerFailure)
	}
	if resp == nil {
		return
	}

	packed, err := resp.Pack()
	if err != nil {
		return
	}

	respLen := make([]byte, 2)
	binary.BigEndian.PutUint16(respLen, uint16(len(packed)))
	if _, err := stream.Write(respLen); err != nil {
		return
	}
	stream.Write(packed)
}
