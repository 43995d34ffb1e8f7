package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewDoQListener fills in the RFC 9250 defaults (30s idle, 15s keepalive)
// when the caller leaves them zero, and requires TLS material one way or
// another.
func TestNewDoQListenerDefaults(t *testing.T) {
	cert := selfSignedCert(t)

	l, err := NewDoQListener(DoQConfig{TLSConfig: certConfig(cert)}, answerHandler())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, l.quicCfg.MaxIdleTimeout)
	assert.Equal(t, 15*time.Second, l.quicCfg.KeepAlivePeriod)
	assert.Equal(t, ":853", l.addr)
	assert.Contains(t, l.config.NextProtos, "doq")
}

func TestNewDoQListenerRequiresTLS(t *testing.T) {
	_, err := NewDoQListener(DoQConfig{}, answerHandler())
	assert.Error(t, err)
}

func TestNewDoQListenerHonorsExplicitTimeouts(t *testing.T) {
	cert := selfSignedCert(t)

	l, err := NewDoQListener(DoQConfig{
		TLSConfig:       certConfig(cert),
		MaxIdleTimeout:  2 * time.Second,
		KeepAlivePeriod: 1 * time.Second,
	}, answerHandler())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, l.quicCfg.MaxIdleTimeout)
	assert.Equal(t, 1*time.Second, l.quicCfg.KeepAlivePeriod)
}
