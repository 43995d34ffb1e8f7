package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleGetURL(t *testing.T) string {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	packed, err := q.Pack()
	require.NoError(t, err)
	return "/dns-query?dns=" + base64.RawURLEncoding.EncodeToString(packed)
}

func testDoHListener(t *testing.T, h Handler) *DoHListener {
	t.Helper()
	l, err := NewDoHListener(DoHConfig{TLSConfig: &tls.Config{}}, h)
	require.NoError(t, err)
	return l
}

func exampleAnswerHandler() HandlerFunc {
	return func(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   []byte{93, 184, 216, 34},
		})
		return resp, nil
	}
}

// Scenario 6 (spec.md §8): a POST to /dns-query with Content-Type
// application/dns-json and a {"Question":[{"name":...,"type":...}]} body
// is decoded, resolved, and answered as JSON at the same path.
func TestDoHJSONPost(t *testing.T) {
	l := testDoHListener(t, exampleAnswerHandler())

	body := `{"Question":[{"name":"example.com","type":1}]}`
	req := httptest.NewRequest(http.MethodPost, "/dns-query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/dns-json")
	w := httptest.NewRecorder()

	l.handleDoH(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/dns-json", w.Header().Get("Content-Type"))

	var got jsonResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, dns.RcodeSuccess, got.Status)
	require.Len(t, got.Question, 1)
	assert.Equal(t, "example.com.", got.Question[0].Name)
	assert.EqualValues(t, dns.TypeA, got.Question[0].Type)
	require.Len(t, got.Answer, 1)
	assert.Equal(t, "93.184.216.34", got.Answer[0].Data)
}

// The same request with the type given as a string mnemonic resolves the
// same way.
func TestDoHJSONPostStringType(t *testing.T) {
	l := testDoHListener(t, exampleAnswerHandler())

	body := `{"Question":[{"name":"example.com","type":"A"}]}`
	req := httptest.NewRequest(http.MethodPost, "/dns-query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/dns-json")
	w := httptest.NewRecorder()

	l.handleDoH(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got jsonResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Answer, 1)
}

// An unrecognized Content-Type on POST returns 415, not 400.
func TestDoHUnsupportedMediaType(t *testing.T) {
	l := testDoHListener(t, exampleAnswerHandler())

	req := httptest.NewRequest(http.MethodPost, "/dns-query", strings.NewReader("whatever"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	l.handleDoH(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

// A malformed JSON body returns 400.
func TestDoHMalformedJSONBadRequest(t *testing.T) {
	l := testDoHListener(t, exampleAnswerHandler())

	req := httptest.NewRequest(http.MethodPost, "/dns-query", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/dns-json")
	w := httptest.NewRecorder()

	l.handleDoH(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// A method other than GET/POST/OPTIONS is rejected with 405.
func TestDoHMethodNotAllowed(t *testing.T) {
	l := testDoHListener(t, exampleAnswerHandler())

	req := httptest.NewRequest(http.MethodDelete, "/dns-query", nil)
	w := httptest.NewRecorder()

	l.handleDoH(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// A binary POST (application/dns-message) is answered in binary, not JSON.
func TestDoHBinaryPost(t *testing.T) {
	l := testDoHListener(t, exampleAnswerHandler())

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	packed, err := q.Pack()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/dns-query", strings.NewReader(string(packed)))
	req.Header.Set("Content-Type", "application/dns-message")
	w := httptest.NewRecorder()

	l.handleDoH(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/dns-message", w.Header().Get("Content-Type"))

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(w.Body.Bytes()))
	require.Len(t, resp.Answer, 1)
}

// CORS headers are only emitted when AllowedOrigins is configured, and
// only for an Origin that matches.
func TestDoHCORSHeaders(t *testing.T) {
	l, err := NewDoHListener(DoHConfig{TLSConfig: &tls.Config{}, AllowedOrigins: []string{"https://example.net"}}, exampleAnswerHandler())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, exampleGetURL(t), nil)
	req.Header.Set("Origin", "https://example.net")
	w := httptest.NewRecorder()
	l.handleDoH(w, req)
	assert.Equal(t, "https://example.net", w.Header().Get("Access-Control-Allow-Origin"))

	reqOther := httptest.NewRequest(http.MethodGet, exampleGetURL(t), nil)
	reqOther.Header.Set("Origin", "https://not-allowed.test")
	wOther := httptest.NewRecorder()
	l.handleDoH(wOther, reqOther)
	assert.Empty(t, wOther.Header().Get("Access-Control-Allow-Origin"))
}

func TestDoHNoCORSWhenUnconfigured(t *testing.T) {
	l := testDoHListener(t, exampleAnswerHandler())

	req := httptest.NewRequest(http.MethodPost, "/dns-query", strings.NewReader(`{"Question":[{"name":"example.com","type":1}]}`))
	req.Header.Set("Content-Type", "application/dns-json")
	req.Header.Set("Origin", "https://example.net")
	w := httptest.NewRecorder()
	l.handleDoH(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
