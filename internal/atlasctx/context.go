// Package atlasctx provides the single shared handle every pipeline stage
// (resolver, security gate, xfer manager, transports) is built from: a
// correlation-tagged context, a metrics registry, and an event bus. It
// exists so no package reaches for prometheus.DefaultRegisterer or builds
// its own private eventbus.Bus — everything publishes and registers
// through the one Context an operator constructs at startup, mirroring the
// teacher's grpc/middleware package-level prometheus vectors but owned
// per-instance instead of global, so multiple Context values (e.g. in
// tests) never collide on the same metric names.
package atlasctx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlasdns/atlasd/internal/eventbus"
)

// CorrelationContext tags one logical request (a query, a zone transfer, a
// dynamic update) with an id and free-form labels, so logs and events
// emitted across several packages during its handling can be joined back
// together.
type CorrelationContext struct {
	ID        string
	Labels    map[string]string
	StartedAt time.Time
}

// NewCorrelationContext mints a random 16-byte hex id, the same scheme the
// gRPC middleware uses for x-request-id.
func NewCorrelationContext(labels map[string]string) CorrelationContext {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return CorrelationContext{
		ID:        hex.EncodeToString(b),
		Labels:    labels,
		StartedAt: time.Now(),
	}
}

// Elapsed returns the time since the correlation context was minted.
func (c CorrelationContext) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}

type correlationKey struct{}

// WithCorrelation attaches cc to ctx for retrieval by CorrelationFromContext.
func WithCorrelation(ctx context.Context, cc CorrelationContext) context.Context {
	return context.WithValue(ctx, correlationKey{}, cc)
}

// CorrelationFromContext returns the CorrelationContext attached to ctx, if
// any, and whether one was found.
func CorrelationFromContext(ctx context.Context) (CorrelationContext, bool) {
	cc, ok := ctx.Value(correlationKey{}).(CorrelationContext)
	return cc, ok
}

// Context is the process-wide handle for metrics and eventing: the
// resolver, security gate, xfer manager, and transports all take a
// *Context at construction instead of registering against
// prometheus.DefaultRegisterer or building a private eventbus.Bus, so a
// single process never ends up with two disconnected metric registries or
// event buses.
type Context struct {
	Registry *prometheus.Registry
	Events   *eventbus.Bus

	queryCounter   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	securityEvents *prometheus.CounterVec
}

// Option configures a Context at construction.
type Option func(*options)

type options struct {
	eventBufSize int
	namespace    string
}

// WithEventBufferSize sets the per-subscriber channel buffer used by the
// Context's eventbus.Bus. Default 64.
func WithEventBufferSize(n int) Option {
	return func(o *options) { o.eventBufSize = n }
}

// WithNamespace prefixes every metric this Context registers. Default
// "atlasd".
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// New builds a Context with its own prometheus.Registry (not
// prometheus.DefaultRegisterer, so tests and multiple in-process instances
// never collide) and its own eventbus.Bus.
func New(opts ...Option) *Context {
	o := options{eventBufSize: 64, namespace: "atlasd"}
	for _, fn := range opts {
		fn(&o)
	}

	reg := prometheus.NewRegistry()

	c := &Context{
		Registry: reg,
		Events:   eventbus.New(o.eventBufSize),
		queryCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "queries_total",
				Help:      "Total DNS queries handled, by rcode.",
			},
			[]string{"rcode"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: o.namespace,
				Name:      "query_duration_seconds",
				Help:      "Query handling latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"rcode"},
		),
		securityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "security_events_total",
				Help:      "Security gate verdicts, by verdict.",
			},
			[]string{"verdict"},
		),
	}

	reg.MustRegister(c.queryCounter, c.queryDuration, c.securityEvents)
	return c
}

// ObserveQuery records one completed query's rcode and handling latency.
func (c *Context) ObserveQuery(rcode string, d time.Duration) {
	c.queryCounter.WithLabelValues(rcode).Inc()
	c.queryDuration.WithLabelValues(rcode).Observe(d.Seconds())
}

// ObserveSecurityVerdict increments the security gate verdict counter and
// publishes the same event on TopicServer so an external subscriber (the
// non-goal alerting UI spec.md carves out) can react to it.
func (c *Context) ObserveSecurityVerdict(ctx context.Context, verdict string, clientIP string) {
	c.securityEvents.WithLabelValues(verdict).Inc()
	c.Events.Publish(ctx, eventbus.TopicServer, SecurityEvent{
		Verdict:  verdict,
		ClientIP: clientIP,
		At:       time.Now(),
	})
}

// NotifySOAChange publishes a SOA serial change on TopicZone, the signal
// the NOTIFY sender (internal/xfer) and any secondary-monitoring
// subscriber both listen for.
func (c *Context) NotifySOAChange(ctx context.Context, origin string, serial uint32) {
	c.Events.Publish(ctx, eventbus.TopicZone, SOAChangeEvent{
		Origin: origin,
		Serial: serial,
		At:     time.Now(),
	})
}

// SecurityEvent is published on eventbus.TopicServer whenever the security
// gate reaches a non-allow verdict.
type SecurityEvent struct {
	Verdict  string
	ClientIP string
	At       time.Time
}

// SOAChangeEvent is published on eventbus.TopicZone whenever a zone's SOA
// serial advances, whether from a dynamic update or an administrative
// reload.
type SOAChangeEvent struct {
	Origin string
	Serial uint32
	At     time.Time
}
