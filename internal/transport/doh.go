package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DoHListener implements a DNS-over-HTTPS listener per RFC 8484.
type DoHListener struct {
	mu       sync.Mutex
	addr     string
	server   *http.Server
	handler  Handler
	running  bool
	listener net.Listener

	allowedOrigins []string
}

// DoHConfig holds configuration for the DoH listener.
type DoHConfig struct {
	Address   string        // Listen address (default ":443")
	Path      string        // URL path for DNS queries, binary and JSON (default "/dns-query")
	TLSConfig *tls.Config   // TLS configuration
	CertFile  string        // Path to TLS certificate (if TLSConfig not provided)
	KeyFile   string        // Path to TLS private key (if TLSConfig not provided)
	Timeout   time.Duration // Request timeout

	// AllowedOrigins, when non-empty, emits CORS headers for requests whose
	// Origin matches an entry (or "*" to allow any origin). No CORS headers
	// are emitted when this is left empty, per spec §4.7.4 "CORS headers
	// emitted when configured".
	AllowedOrigins []string
}

// errUnsupportedMediaType marks a POST whose Content-Type isn't one of the
// two RFC 8484 payload types this listener accepts, mapped to HTTP 415 by
// handleDoH rather than the generic 400 used for a malformed payload.
var errUnsupportedMediaType = errors.New("unsupported content type")

// NewDoHListener creates a new DNS-over-HTTPS listener.
func NewDoHListener(cfg DoHConfig, handler Handler) (*DoHListener, error) {
	if cfg.Address == "" {
		cfg.Address = ":443"
	}
	if cfg.Path == "" {
		cfg.Path = "/dns-query"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		return nil, fmt.Errorf("TLS configuration required: provide TLSConfig or CertFile/KeyFile")
	}

	l := &DoHListener{
		addr:           cfg.Address,
		handler:        handler,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleDoH)

	l.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		TLSConfig:    tlsConfig,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  30 * time.Second,
	}

	return l, nil
}

// Start begins accepting connections.
func (l *DoHListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("listener already running")
	}

	listener, err := tls.Listen("tcp", l.addr, l.server.TLSConfig)
	if err != nil {
		return fmt.Errorf("failed to start HTTPS listener: %w", err)
	}

	l.listener = listener
	l.running = true

	go func() {
		l.server.Serve(listener)
	}()

	return nil
}

// Stop gracefully stops the listener.
func (l *DoHListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return l.server.Shutdown(ctx)
}

// Addr returns the listener's address.
func (l *DoHListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

// handleDoH is the single RFC 8484 entry point (spec §4.7.4): GET with a
// base64url "dns" parameter, POST with an "application/dns-message" binary
// body, and POST with an "application/dns-json" JSON body all land here.
func (l *DoHListener) handleDoH(w http.ResponseWriter, r *http.Request) {
	l.writeCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var dnsRequest *dns.Msg
	var asJSON bool
	var err error

	switch r.Method {
	case http.MethodGet:
		dnsRequest, err = l.parseGET(r)
	case http.MethodPost:
		dnsRequest, asJSON, err = l.parsePOST(r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err != nil {
		if errors.Is(err, errUnsupportedMediaType) {
			http.Error(w, fmt.Sprintf("Unsupported content type: %v", err), http.StatusUnsupportedMediaType)
			return
		}
		http.Error(w, fmt.Sprintf("Bad request: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ctx = WithClientIP(ctx, net.ParseIP(host))
	}
	dnsResponse, err := l.handler.HandleDNS(ctx, dnsRequest)
	if err != nil || dnsResponse == nil {
		dnsResponse = new(dns.Msg)
		dnsResponse.SetRcode(dnsRequest, dns.RcodeServerFailure)
	}

	if asJSON {
		l.writeJSON(w, dnsResponse)
		return
	}
	l.writeBinary(w, dnsResponse)
}

func (l *DoHListener) writeBinary(w http.ResponseWriter, resp *dns.Msg) {
	respBytes, err := resp.Pack()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/dns-message")
	w.Header().Set("Cache-Control", l.getCacheControl(resp))
	w.WriteHeader(http.StatusOK)
	w.Write(respBytes)
}

func (l *DoHListener) writeJSON(w http.ResponseWriter, resp *dns.Msg) {
	jr := jsonResponse{
		Status: resp.Rcode,
		TC:     resp.Truncated,
		RD:     resp.RecursionDesired,
		RA:     resp.RecursionAvailable,
		AD:     resp.AuthenticatedData,
		CD:     resp.CheckingDisabled,
	}
	for _, q := range resp.Question {
		jr.Question = append(jr.Question, jsonAnswer{Name: q.Name, Type: q.Qtype})
	}
	for _, rr := range resp.Answer {
		jr.Answer = append(jr.Answer, rrToJSON(rr))
	}
	for _, rr := range resp.Ns {
		jr.Authority = append(jr.Authority, rrToJSON(rr))
	}
	for _, rr := range resp.Extra {
		jr.Additional = append(jr.Additional, rrToJSON(rr))
	}

	w.Header().Set("Content-Type", "application/dns-json")
	w.Header().Set("Cache-Control", l.getCacheControl(resp))
	json.NewEncoder(w).Encode(jr)
}

func (l *DoHListener) writeCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(l.allowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range l.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			return
		}
	}
}

func (l *DoHListener) parseGET(r *http.Request) (*dns.Msg, error) {
	dnsParam := r.URL.Query().Get("dns")
	if dnsParam == "" {
		return nil, fmt.Errorf("missing 'dns' query parameter")
	}

	// Decode base64url-encoded DNS message
	// Handle both padded and unpadded base64url
	dnsParam = strings.ReplaceAll(dnsParam, "-", "+")
	dnsParam = strings.ReplaceAll(dnsParam, "_", "/")

	// Add padding if needed
	switch len(dnsParam) % 4 {
	case 2:
		dnsParam += "=="
	case 3:
		dnsParam += "="
	}

	msgBytes, err := base64.StdEncoding.DecodeString(dnsParam)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(msgBytes); err != nil {
		return nil, fmt.Errorf("invalid DNS message: %w", err)
	}

	return msg, nil
}

// parsePOST dispatches on Content-Type between the binary and JSON RFC 8484
// payload shapes, reporting asJSON so handleDoH replies in kind.
func (l *DoHListener) parsePOST(r *http.Request) (msg *dns.Msg, asJSON bool, err error) {
	contentType := r.Header.Get("Content-Type")
	// Content-Type may carry a "; charset=..." suffix; compare the media
	// type only.
	mediaType := contentType
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		mediaType = contentType[:i]
	}
	mediaType = strings.TrimSpace(mediaType)

	switch {
	case strings.EqualFold(mediaType, "application/dns-message"):
		msg, err = l.parsePOSTBinary(r)
		return msg, false, err
	case strings.EqualFold(mediaType, "application/dns-json"):
		msg, err = l.parsePOSTJSON(r)
		return msg, true, err
	default:
		return nil, false, fmt.Errorf("%w: %s", errUnsupportedMediaType, contentType)
	}
}

func (l *DoHListener) parsePOSTBinary(r *http.Request) (*dns.Msg, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65535))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, fmt.Errorf("invalid DNS message: %w", err)
	}

	return msg, nil
}

// jsonRequestQuestion is one entry of a dns-json POST body's "Question"
// array, per spec §4.7.4 / §8 scenario 6:
// {"Question":[{"name":"example.com","type":1}]}. Type is accepted as
// either a numeric RR type or its mnemonic string ("A") for client
// convenience; the wire format this produces is identical either way.
type jsonRequestQuestion struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

type jsonRequestBody struct {
	Question []jsonRequestQuestion `json:"Question"`
	CD       bool                  `json:"CD"`
}

func (l *DoHListener) parsePOSTJSON(r *http.Request) (*dns.Msg, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65535))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	var req jsonRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if len(req.Question) == 0 {
		return nil, fmt.Errorf("JSON body has no Question entries")
	}

	q := req.Question[0]
	if q.Name == "" {
		return nil, fmt.Errorf("Question.name is required")
	}
	qtype, err := parseJSONQType(q.Type)
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(q.Name), qtype)
	msg.RecursionDesired = true
	msg.CheckingDisabled = req.CD
	return msg, nil
}

// parseJSONQType accepts either a JSON number (RR type code) or a JSON
// string (RR type mnemonic, e.g. "A"); both appear across real-world DoH
// JSON clients despite RFC 8484's example using a number.
func parseJSONQType(raw json.RawMessage) (uint16, error) {
	if len(raw) == 0 {
		return dns.TypeA, nil
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return uint16(n), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, ok := dns.StringToType[strings.ToUpper(s)]; ok {
			return parsed, nil
		}
		if n, err := strconv.Atoi(s); err == nil {
			return uint16(n), nil
		}
		return 0, fmt.Errorf("unknown Question.type %q", s)
	}

	return 0, fmt.Errorf("invalid Question.type")
}

// jsonAnswer is one RR in a JSON-mode response, per RFC 8484 section 5
// (the same shape Google's and Cloudflare's DoH JSON APIs use: "name",
// "type", "TTL", "data").
type jsonAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// jsonResponse mirrors the DNS header fields and answer/authority/additional
// RRs a JSON-mode client needs, skipping the wire-format-only fields (ID,
// compression, EDNS0 internals) that have no JSON equivalent.
type jsonResponse struct {
	Status     int          `json:"Status"`
	TC         bool         `json:"TC"`
	RD         bool         `json:"RD"`
	RA         bool         `json:"RA"`
	AD         bool         `json:"AD"`
	CD         bool         `json:"CD"`
	Question   []jsonAnswer `json:"Question"`
	Answer     []jsonAnswer `json:"Answer,omitempty"`
	Authority  []jsonAnswer `json:"Authority,omitempty"`
	Additional []jsonAnswer `json:"Additional,omitempty"`
}

func rrToJSON(rr dns.RR) jsonAnswer {
	hdr := rr.Header()
	return jsonAnswer{
		Name: hdr.Name,
		Type: hdr.Rrtype,
		TTL:  hdr.Ttl,
		Data: strings.TrimPrefix(rr.String(), hdr.String()),
	}
}

func (l *DoHListener) getCacheControl(resp *dns.Msg) string {
	// Find the minimum TTL in the response
	minTTL := uint32(300) // Default 5 minutes

	for _, rr := range resp.Answer {
		if ttl := rr.Header().Ttl; ttl < minTTL {
			minTTL = ttl
		}
	}

	if resp.Rcode != dns.RcodeSuccess {
		// Negative responses - shorter cache time
		return "max-age=60"
	}

	return fmt.Sprintf("max-age=%d", minTTL)
}
