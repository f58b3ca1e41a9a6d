// Package observe provides application-wide observability primitives for
// Voicewire: OpenTelemetry metrics, tracing, and structured-logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voicewire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long the full connect sequence takes,
	// including token fetch and handshake.
	ConnectDuration metric.Float64Histogram

	// SegmentPlayDuration tracks wall-clock playback time per segment.
	SegmentPlayDuration metric.Float64Histogram

	// TokenFetchDuration tracks token endpoint round-trip latency.
	TokenFetchDuration metric.Float64Histogram

	// HTTPRequestDuration tracks request latency on the local metrics and
	// health listener.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ConnectAttempts counts transport dial attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConnectAttempts metric.Int64Counter

	// Reconnects counts automatic reconnection cycles.
	Reconnects metric.Int64Counter

	// TokenRefreshes counts token endpoint fetches (not cache hits).
	TokenRefreshes metric.Int64Counter

	// SegmentsEnqueued counts segments accepted into the playback queue.
	SegmentsEnqueued metric.Int64Counter

	// SegmentsDropped counts segments rejected or discarded. Use with
	// attribute: attribute.String("reason", "duplicate"|"decode"|"cleared")
	SegmentsDropped metric.Int64Counter

	// SegmentsPlayed counts segments that completed naturally.
	SegmentsPlayed metric.Int64Counter

	// Interruptions counts server interruption signals acted upon.
	Interruptions metric.Int64Counter

	// FadeOuts counts fade-out ramps performed.
	FadeOuts metric.Int64Counter

	// CaptureFrames counts capture frames forwarded to the transport.
	CaptureFrames metric.Int64Counter

	// --- Error counters ---

	// PlaybackErrors counts per-segment decode/output failures.
	PlaybackErrors metric.Int64Counter

	// TransportErrors counts abnormal transport closes and send failures.
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the current playback queue length.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks live session objects.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voicewire.connect.duration",
		metric.WithDescription("Duration of the full connect sequence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentPlayDuration, err = m.Float64Histogram("voicewire.playback.segment_duration",
		metric.WithDescription("Wall-clock playback time per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TokenFetchDuration, err = m.Float64Histogram("voicewire.auth.token_fetch_duration",
		metric.WithDescription("Token endpoint round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicewire.http.request.duration",
		metric.WithDescription("Request latency on the local metrics listener."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectAttempts, err = m.Int64Counter("voicewire.connect.attempts",
		metric.WithDescription("Transport dial attempts."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicewire.connect.reconnects",
		metric.WithDescription("Automatic reconnection cycles."),
	); err != nil {
		return nil, err
	}
	if met.TokenRefreshes, err = m.Int64Counter("voicewire.auth.token_refreshes",
		metric.WithDescription("Token endpoint fetches (cache misses)."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEnqueued, err = m.Int64Counter("voicewire.playback.segments_enqueued",
		metric.WithDescription("Segments accepted into the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("voicewire.playback.segments_dropped",
		metric.WithDescription("Segments rejected or discarded."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsPlayed, err = m.Int64Counter("voicewire.playback.segments_played",
		metric.WithDescription("Segments that completed naturally."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicewire.playback.interruptions",
		metric.WithDescription("Server interruption signals acted upon."),
	); err != nil {
		return nil, err
	}
	if met.FadeOuts, err = m.Int64Counter("voicewire.playback.fadeouts",
		metric.WithDescription("Fade-out ramps performed."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("voicewire.capture.frames",
		metric.WithDescription("Capture frames forwarded to the transport."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PlaybackErrors, err = m.Int64Counter("voicewire.playback.errors",
		metric.WithDescription("Per-segment decode/output failures."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voicewire.connect.errors",
		metric.WithDescription("Abnormal transport closes and send failures."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.QueueDepth, err = m.Int64UpDownCounter("voicewire.playback.queue_depth",
		metric.WithDescription("Current playback queue length."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicewire.sessions.active",
		metric.WithDescription("Live session objects."),
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

// Status attribute helpers shared by callers recording counters.

// StatusAttr returns the conventional status attribute.
func StatusAttr(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("status", "ok")
	}
	return attribute.String("status", "error")
}

// ReasonAttr returns the conventional drop-reason attribute.
func ReasonAttr(reason string) attribute.KeyValue {
	return attribute.String("reason", reason)
}

// RecordCounter is a nil-safe increment helper so components can carry an
// optional *Metrics without guarding every call site.
func RecordCounter(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// RecordStatus records a duration on h tagged with the conventional status
// attribute. Nil-safe like [RecordCounter].
func RecordStatus(ctx context.Context, h metric.Float64Histogram, d time.Duration, ok bool) {
	if h == nil {
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(StatusAttr(ok)))
}
