// Package observe holds the OpenTelemetry instruments, tracing helpers and
// HTTP middleware shared by the audio pipeline, the sessions and the admin
// API.
//
// Instruments are created once per [Metrics]. [InitProvider] bridges them to
// Prometheus for /metrics; tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxcmd"

// Metrics holds the instruments. All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio pipeline ---

	// ChunksProcessed counts chunks that left the extractor.
	ChunksProcessed metric.Int64Counter

	// ChunksDropped counts chunks discarded before transcription. Use with
	// attribute.String("reason", ...).
	ChunksDropped metric.Int64Counter

	// SpeechRatio records the fraction of speech frames per classified chunk.
	SpeechRatio metric.Float64Histogram

	// --- Transcription ---

	// STTDuration tracks one-shot transcription latency per provider.
	STTDuration metric.Float64Histogram

	// STTRequests counts transcription requests. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	STTRequests metric.Int64Counter

	// SessionReconnects counts streaming reconnect attempts.
	SessionReconnects metric.Int64Counter

	// SessionState is the numeric state of the streaming session.
	SessionState metric.Int64Gauge

	// QueueDepth tracks chunks waiting for a one-shot request slot.
	QueueDepth metric.Int64UpDownCounter

	// --- Commands ---

	// TranscriptsFiltered counts rejected transcripts by reason.
	TranscriptsFiltered metric.Int64Counter

	// CommandsDispatched counts handler invocations. Use with attributes:
	//   attribute.String("group", ...), attribute.String("source", ...)
	CommandsDispatched metric.Int64Counter

	// CommandsSuppressed counts matches swallowed by the cooldown.
	CommandsSuppressed metric.Int64Counter

	// LLMDuration tracks intent classification latency.
	LLMDuration metric.Float64Histogram

	// --- Errors ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by breaker
	// name and target state.
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are seconds, sized for network transcription and LLM calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// ratioBuckets covers the speech fraction range [0, 1].
var ratioBuckets = []float64{0, 0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio.
	if met.ChunksProcessed, err = m.Int64Counter("voxcmd.chunks.processed",
		metric.WithDescription("Total audio chunks taken from the ring."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voxcmd.chunks.dropped",
		metric.WithDescription("Audio chunks discarded before transcription, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SpeechRatio, err = m.Float64Histogram("voxcmd.vad.speech_ratio",
		metric.WithDescription("Fraction of frames above the VAD threshold per chunk."),
		metric.WithExplicitBucketBoundaries(ratioBuckets...),
	); err != nil {
		return nil, err
	}

	// Transcription.
	if met.STTDuration, err = m.Float64Histogram("voxcmd.stt.duration",
		metric.WithDescription("Latency of one-shot transcription requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTRequests, err = m.Int64Counter("voxcmd.stt.requests",
		metric.WithDescription("Transcription requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionReconnects, err = m.Int64Counter("voxcmd.session.reconnects",
		metric.WithDescription("Streaming session reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.SessionState, err = m.Int64Gauge("voxcmd.session.state",
		metric.WithDescription("Streaming session state (0 disconnected, 1 connecting, 2 open, 3 reconnecting, 4 closing)."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("voxcmd.queue.depth",
		metric.WithDescription("Chunks waiting for a one-shot transcription slot."),
	); err != nil {
		return nil, err
	}

	// Commands.
	if met.TranscriptsFiltered, err = m.Int64Counter("voxcmd.transcripts.filtered",
		metric.WithDescription("Transcripts rejected before matching, by reason."),
	); err != nil {
		return nil, err
	}
	if met.CommandsDispatched, err = m.Int64Counter("voxcmd.commands.dispatched",
		metric.WithDescription("Command handler invocations by group and source."),
	); err != nil {
		return nil, err
	}
	if met.CommandsSuppressed, err = m.Int64Counter("voxcmd.commands.suppressed",
		metric.WithDescription("Command matches suppressed by the cooldown."),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxcmd.llm.duration",
		metric.WithDescription("Latency of LLM intent classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.ProviderErrors, err = m.Int64Counter("voxcmd.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxcmd.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxcmd.http.request.duration",
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

// DefaultMetrics returns a process-wide [Metrics] bound to the global meter
// provider at first use. Call [InitProvider] before it.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunkDropped increments the dropped chunk counter for reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSTTRequest records a transcription request outcome and its latency.
func (m *Metrics) RecordSTTRequest(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.STTDuration.Record(ctx, d.Seconds(), attrs)
	m.STTRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

// RecordTranscriptFiltered increments the filtered transcript counter.
func (m *Metrics) RecordTranscriptFiltered(ctx context.Context, reason string) {
	m.TranscriptsFiltered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCommand records a dispatched or suppressed command.
func (m *Metrics) RecordCommand(ctx context.Context, group, source string, suppressed bool) {
	if suppressed {
		m.CommandsSuppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("group", group)))
		return
	}
	m.CommandsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("source", source),
	))
}

// RecordProviderError counts a failed call to provider, classified by kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition counts a breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("state", state),
	))
}
