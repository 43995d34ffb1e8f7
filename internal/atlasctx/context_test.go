package atlasctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasdns/atlasd/internal/eventbus"
)

func TestNewCorrelationContext_UniqueIDs(t *testing.T) {
	a := NewCorrelationContext(map[string]string{"k": "v"})
	b := NewCorrelationContext(nil)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "v", a.Labels["k"])
}

func TestCorrelationContext_RoundTripsThroughContext(t *testing.T) {
	cc := NewCorrelationContext(nil)
	ctx := WithCorrelation(context.Background(), cc)

	got, ok := CorrelationFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, cc.ID, got.ID)

	_, ok = CorrelationFromContext(context.Background())
	assert.False(t, ok)
}

func TestNew_RegistersMetricsOnPrivateRegistry(t *testing.T) {
	c1 := New()
	c2 := New()

	// Two independently-constructed Contexts must not collide: each owns
	// its own prometheus.Registry rather than the global DefaultRegisterer.
	assert.NotSame(t, c1.Registry, c2.Registry)

	c1.ObserveQuery("NOERROR", 10*time.Millisecond)
	mfs, err := c1.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestObserveSecurityVerdict_PublishesEvent(t *testing.T) {
	c := New()
	sub := c.Events.Subscribe(context.Background(), eventbus.TopicServer)
	defer sub.Close()

	c.ObserveSecurityVerdict(context.Background(), "rate_limited", "203.0.113.1")

	select {
	case ev := <-sub.Ch:
		sec, ok := ev.Data.(SecurityEvent)
		require.True(t, ok)
		assert.Equal(t, "rate_limited", sec.Verdict)
		assert.Equal(t, "203.0.113.1", sec.ClientIP)
	case <-time.After(time.Second):
		t.Fatal("expected security event, got none")
	}
}

func TestNotifySOAChange_PublishesEvent(t *testing.T) {
	c := New()
	sub := c.Events.Subscribe(context.Background(), eventbus.TopicZone)
	defer sub.Close()

	c.NotifySOAChange(context.Background(), "example.com.", 2024010101)

	select {
	case ev := <-sub.Ch:
		soa, ok := ev.Data.(SOAChangeEvent)
		require.True(t, ok)
		assert.Equal(t, "example.com.", soa.Origin)
		assert.Equal(t, uint32(2024010101), soa.Serial)
	case <-time.After(time.Second):
		t.Fatal("expected SOA change event, got none")
	}
}
