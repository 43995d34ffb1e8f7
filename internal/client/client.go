// Package client implements outbound DNS queries to upstream or
// authoritative nameservers: the piece resolver.Strategy implementations
// call into instead of embedding a *dns.Client directly, so the
// crypto-random transaction ID / 0x20 / TCP-fallback policy lives in one
// place shared by the forwarding and iterative strategies. The source port
// is whatever the operating system assigns to dns.Client's socket; the
// package keeps no table of outstanding IDs and no sent/failed counters.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/atlasdns/atlasd/internal/pool"
	"github.com/atlasdns/atlasd/internal/random"
	"github.com/atlasdns/atlasd/internal/security"
)

var (
	ErrTruncatedOverTCP = errors.New("response truncated even over tcp")
	ErrNoAnswer         = errors.New("nameserver returned no usable response")
)

// Config holds outbound client configuration.
type Config struct {
	// Timeout bounds a single UDP or TCP exchange.
	Timeout time.Duration

	// UDPSize advertises EDNS0 buffer size on outgoing queries.
	UDPSize uint16

	// Enable0x20 randomizes the case of outgoing query names (draft-vixie
	// dns-0x20) as extra entropy against off-path cache poisoning; the
	// upstream is expected to echo the name back unchanged in its answer.
	Enable0x20 bool
}

// Client issues DNS queries over UDP, falling back to TCP whenever the
// UDP response carries the TC bit, per RFC 1035 section 4.2.1.
type Client struct {
	cfg Config
	udp *dns.Client
	tcp *dns.Client
}

// New creates a Client with cryptographically randomized query IDs.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.UDPSize == 0 {
		cfg.UDPSize = 4096
	}
	return &Client{
		cfg: cfg,
		udp: &dns.Client{Net: "udp", Timeout: cfg.Timeout, UDPSize: cfg.UDPSize},
		tcp: &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
	}
}

// Query sends a single question to addr ("host:port"), retrying over TCP
// if the UDP reply is truncated. rd controls the RD bit (iterative
// lookups clear it; forwarding to a trusted recursive resolver sets it).
func (c *Client) Query(ctx context.Context, addr, qname string, qtype, qclass uint16, rd bool) (*dns.Msg, error) {
	msg := pool.GetMessage()
	defer pool.PutMessage(msg)

	if c.cfg.Enable0x20 {
		qname = security.Apply0x20Encoding(qname)
	}

	msg.Id = random.TransactionID()
	msg.RecursionDesired = rd
	msg.Question = []dns.Question{{Name: qname, Qtype: qtype, Qclass: qclass}}
	msg.SetEdns0(c.cfg.UDPSize, false)

	qctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, _, err := c.udp.ExchangeContext(qctx, msg, addr)
	if err != nil {
		return nil, fmt.Errorf("udp exchange to %s: %w", addr, err)
	}
	if resp == nil {
		return nil, ErrNoAnswer
	}

	if resp.Truncated {
		tcpResp, _, err := c.tcp.ExchangeContext(qctx, msg, addr)
		if err != nil {
			return nil, fmt.Errorf("tcp exchange to %s: %w", addr, err)
		}
		if tcpResp == nil {
			return nil, ErrTruncatedOverTCP
		}
		return tcpResp, nil
	}

	return resp, nil
}

// Forward relays an already-built query message verbatim to addr, so a
// caller can hand a client's full query (including its EDNS0 OPT and any
// DNS cookie) to an upstream resolver. ForwardingStrategy does not use it;
// it calls Query.
func (c *Client) Forward(ctx context.Context, addr string, query *dns.Msg) (*dns.Msg, error) {
	qctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, _, err := c.udp.ExchangeContext(qctx, query, addr)
	if err != nil {
		return nil, fmt.Errorf("udp exchange to %s: %w", addr, err)
	}
	if resp == nil {
		return nil, ErrNoAnswer
	}

	if resp.Truncated {
		tcpResp, _, err := c.tcp.ExchangeContext(qctx, query, addr)
		if err != nil {
			return nil, fmt.Errorf("tcp exchange to %s: %w", addr, err)
		}
		if tcpResp == nil {
			return nil, ErrTruncatedOverTCP
		}
		return tcpResp, nil
	}

	return resp, nil
}
