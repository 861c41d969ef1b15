// Package observe provides application-wide observability primitives for
// Reduck: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Reduck metrics.
const meterName = "github.com/reduck-ai/reduck"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConverseDuration tracks wall time of one agent converse, spawn to
	// terminal result. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConverseDuration metric.Float64Histogram

	// --- Counters ---

	// ConverseChunks counts stream chunks emitted to SSE consumers. Use with
	// attribute: attribute.String("kind", "text"|"block"|"result")
	ConverseChunks metric.Int64Counter

	// ToolCalls counts speech-model tool invocations handled by the voice
	// relay. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ApprovalOutcomes counts approval-hold resolutions. Use with attribute:
	//   attribute.String("outcome", "accepted"|"rejected"|"abandoned")
	ApprovalOutcomes metric.Int64Counter

	// TTSFlushes counts sentence-buffer flushes sent to the TTS session.
	TTSFlushes metric.Int64Counter

	// --- Error counters ---

	// ConverseErrors counts failed converses by kind. Use with attribute:
	//   attribute.String("kind", "spawn"|"stream"|"agent")
	ConverseErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConverses tracks the number of agent subprocesses currently
	// streaming.
	ActiveConverses metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Converses
// run much longer than typical HTTP requests, so the upper buckets stretch
// into minutes.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConverseDuration, err = m.Float64Histogram("reduck.converse.duration",
		metric.WithDescription("Wall time of one agent converse, spawn to terminal result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConverseChunks, err = m.Int64Counter("reduck.converse.chunks",
		metric.WithDescription("Total converse stream chunks by kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("reduck.tool.calls",
		metric.WithDescription("Total speech-model tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ApprovalOutcomes, err = m.Int64Counter("reduck.approval.outcomes",
		metric.WithDescription("Total approval-hold resolutions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TTSFlushes, err = m.Int64Counter("reduck.tts.flushes",
		metric.WithDescription("Total sentence-buffer flushes sent to the TTS session."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ConverseErrors, err = m.Int64Counter("reduck.converse.errors",
		metric.WithDescription("Total failed converses by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConverses, err = m.Int64UpDownCounter("reduck.active_converses",
		metric.WithDescription("Number of agent subprocesses currently streaming."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("reduck.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("reduck.http.request.duration",
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

// RecordChunk records one converse stream chunk of the given kind.
func (m *Metrics) RecordChunk(ctx context.Context, kind string) {
	m.ConverseChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordToolCall records a speech-model tool invocation with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordApproval records one approval-hold resolution.
func (m *Metrics) RecordApproval(ctx context.Context, outcome string) {
	m.ApprovalOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordConverse records the duration of a finished converse.
func (m *Metrics) RecordConverse(ctx context.Context, seconds float64, status string) {
	m.ConverseDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordConverseError records a failed converse of the given kind.
func (m *Metrics) RecordConverseError(ctx context.Context, kind string) {
	m.ConverseErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
