// Package observe provides application-wide observability primitives for
// callbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Playback ---

	// FramesSent counts media frames written to a stream transport.
	FramesSent metric.Int64Counter

	// PlaybackEnds counts finished playback tasks. Use with attribute:
	//   attribute.String("reason", ...)
	PlaybackEnds metric.Int64Counter

	// PlaybackDuration tracks the wall-clock length of playback tasks.
	PlaybackDuration metric.Float64Histogram

	// FrameLateness tracks how far behind its scheduled tick a frame was sent.
	FrameLateness metric.Float64Histogram

	// --- Sessions ---

	// SessionsStarted counts sessions that received a valid start signal.
	SessionsStarted metric.Int64Counter

	// ActiveSessions tracks the number of open media stream connections.
	ActiveSessions metric.Int64UpDownCounter

	// InboundMessages counts inbound stream messages. Use with attribute:
	//   attribute.String("event", ...)
	InboundMessages metric.Int64Counter

	// MalformedMessages counts inbound messages that could not be parsed.
	MalformedMessages metric.Int64Counter

	// --- Call control ---

	// OutboundCalls counts outbound call requests. Use with attribute:
	//   attribute.String("status", ...)
	OutboundCalls metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// playback lengths.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// latenessBuckets defines histogram bucket boundaries (in seconds) for frame
// scheduling lateness around the 20 ms frame period.
var latenessBuckets = []float64{
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("callbridge.frames.sent",
		metric.WithDescription("Total media frames sent to stream transports."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackEnds, err = m.Int64Counter("callbridge.playback.ends",
		metric.WithDescription("Total finished playback tasks by end reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("callbridge.playback.duration",
		metric.WithDescription("Wall-clock length of playback tasks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameLateness, err = m.Float64Histogram("callbridge.frame.lateness",
		metric.WithDescription("Delay between a frame's scheduled tick and its send."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latenessBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SessionsStarted, err = m.Int64Counter("callbridge.sessions.started",
		metric.WithDescription("Total sessions that received a start signal."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("callbridge.active_sessions",
		metric.WithDescription("Number of open media stream connections."),
	); err != nil {
		return nil, err
	}
	if met.InboundMessages, err = m.Int64Counter("callbridge.inbound.messages",
		metric.WithDescription("Total inbound stream messages by event."),
	); err != nil {
		return nil, err
	}
	if met.MalformedMessages, err = m.Int64Counter("callbridge.inbound.malformed",
		metric.WithDescription("Total inbound stream messages that could not be parsed."),
	); err != nil {
		return nil, err
	}

	if met.OutboundCalls, err = m.Int64Counter("callbridge.outbound_calls",
		metric.WithDescription("Total outbound call requests by status."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameSent records one sent frame and how late it was relative to its
// scheduled tick.
func (m *Metrics) RecordFrameSent(ctx context.Context, lateness time.Duration) {
	m.FramesSent.Add(ctx, 1)
	m.FrameLateness.Record(ctx, max(0, lateness.Seconds()))
}

// RecordPlaybackEnd records the end of a playback task.
func (m *Metrics) RecordPlaybackEnd(ctx context.Context, reason string, elapsed time.Duration) {
	m.PlaybackEnds.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.PlaybackDuration.Record(ctx, elapsed.Seconds())
}

// RecordInbound records an inbound stream message by event name.
func (m *Metrics) RecordInbound(ctx context.Context, event string) {
	m.InboundMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordMalformed records an inbound message that could not be parsed.
func (m *Metrics) RecordMalformed(ctx context.Context) {
	m.MalformedMessages.Add(ctx, 1)
}

// RecordOutboundCall records an outbound call request by status.
func (m *Metrics) RecordOutboundCall(ctx context.Context, status string) {
	m.OutboundCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
