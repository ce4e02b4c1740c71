// Package observe provides application-wide observability primitives for
// cleancut: OpenTelemetry metrics, tracing helpers, trace-aware logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus exporter so they can be scraped on /metrics.
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all cleancut metrics.
const meterName = "github.com/MrWong99/cleancut"

// Peer connection events recorded by [Metrics.RecordPeerEvent].
const (
	PeerConnected    = "connected"
	PeerReplaced     = "replaced"
	PeerDisconnected = "disconnected"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// PeerConnections counts peer slot transitions. Attribute "event".
	PeerConnections metric.Int64Counter

	// PeerConnected is 1 while a peer occupies the slot, 0 otherwise.
	PeerConnected metric.Int64UpDownCounter

	// MessagesReceived counts inbound messages. Attributes "kind", "status".
	MessagesReceived metric.Int64Counter

	// MessagesSent counts outbound messages. Attribute "kind".
	MessagesSent metric.Int64Counter

	// LedgerOutcomes counts how pending requests ended. Attribute "outcome".
	LedgerOutcomes metric.Int64Counter

	// AnalysisDuration tracks analyzer process wall time. Attributes "mode",
	// "status".
	AnalysisDuration metric.Float64Histogram

	// SessionSegments counts segment mutations. Attribute "mutation".
	SessionSegments metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes
	// "method", "path".
	HTTPRequestDuration metric.Float64Histogram
}

// analysisBuckets covers a sub-second stats run up to a multi-minute VAD pass
// over a long timeline.
var analysisBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PeerConnections, err = m.Int64Counter("cleancut.peer.connections",
		metric.WithDescription("Peer slot transitions by event."),
	); err != nil {
		return nil, err
	}
	if met.PeerConnected, err = m.Int64UpDownCounter("cleancut.peer.connected",
		metric.WithDescription("Whether an editor peer is currently attached."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("cleancut.messages.received",
		metric.WithDescription("Inbound peer messages by kind and decode status."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("cleancut.messages.sent",
		metric.WithDescription("Outbound peer messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.LedgerOutcomes, err = m.Int64Counter("cleancut.ledger.outcomes",
		metric.WithDescription("Pending request outcomes."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("cleancut.analysis.duration",
		metric.WithDescription("Wall time of analyzer subprocess runs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(analysisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionSegments, err = m.Int64Counter("cleancut.sessions.segments",
		metric.WithDescription("Silence segment mutations by type."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("cleancut.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPeerEvent counts a slot transition and keeps PeerConnected in step:
// connected adds one, replaced and disconnected subtract one.
func (m *Metrics) RecordPeerEvent(ctx context.Context, event string) {
	m.PeerConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	switch event {
	case PeerConnected:
		m.PeerConnected.Add(ctx, 1)
	case PeerReplaced, PeerDisconnected:
		m.PeerConnected.Add(ctx, -1)
	}
}

// RecordMessageReceived counts one inbound message. status is one of "ok",
// "unknown" or "malformed".
func (m *Metrics) RecordMessageReceived(ctx context.Context, kind, status string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordMessageSent counts one outbound message.
func (m *Metrics) RecordMessageSent(ctx context.Context, kind string) {
	m.MessagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLedgerOutcome counts how a pending request ended.
func (m *Metrics) RecordLedgerOutcome(ctx context.Context, outcome string) {
	m.LedgerOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAnalysis records the duration of one analyzer run.
func (m *Metrics) RecordAnalysis(ctx context.Context, mode, status string, d time.Duration) {
	m.AnalysisDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordSegments counts n segment mutations of the given kind. Zero is a
// no-op.
func (m *Metrics) RecordSegments(ctx context.Context, mutation string, n int) {
	if n <= 0 {
		return
	}
	m.SessionSegments.Add(ctx, int64(n), metric.WithAttributes(attribute.String("mutation", mutation)))
}
