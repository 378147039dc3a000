// Package observe holds the agent's telemetry: OpenTelemetry instruments for
// runs, turns, providers and HTTP, the tracer used for run spans, and
// context-aware loggers.
//
// [InitProvider] installs the global providers with a Prometheus reader, so
// everything recorded here is scraped from the metrics route. Tests build a
// private [Metrics] with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all linguavox metrics.
const meterName = "github.com/MrWong99/linguavox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FirstAudioLatency tracks the time from run start to the first frame
	// handed to the room.
	FirstAudioLatency metric.Float64Histogram

	// RunDuration tracks the wall time of a whole run, playout included.
	RunDuration metric.Float64Histogram

	// --- Counters ---

	// Runs counts finished runs. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	Runs metric.Int64Counter

	// TurnTransitions counts turn state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	TurnTransitions metric.Int64Counter

	// ProviderRequests counts attempts made through a fallback chain, by
	// provider, chain kind and status (ok, error, skipped).
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts failed attempts by provider and error kind.
	ProviderErrors metric.Int64Counter

	// PublishFailures counts transcript deliveries that failed. Use with
	// attribute:
	//   attribute.String("subscriber", ...)
	PublishFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration is recorded by [Middleware] with method, route
	// and status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// runBuckets covers whole spoken replies.
var runBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FirstAudioLatency, err = m.Float64Histogram("linguavox.run.first_audio",
		metric.WithDescription("Latency from run start to the first emitted audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RunDuration, err = m.Float64Histogram("linguavox.run.duration",
		metric.WithDescription("Wall time of an assistant run including playout."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(runBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Runs, err = m.Int64Counter("linguavox.runs",
		metric.WithDescription("Finished assistant runs by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnTransitions, err = m.Int64Counter("linguavox.turn.transitions",
		metric.WithDescription("Turn state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("linguavox.provider.requests",
		metric.WithDescription("Provider attempts by provider, chain kind and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("linguavox.provider.errors",
		metric.WithDescription("Failed provider attempts by provider and error kind."),
	); err != nil {
		return nil, err
	}
	if met.PublishFailures, err = m.Int64Counter("linguavox.transcript.publish_failures",
		metric.WithDescription("Transcript deliveries that failed, by subscriber."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("linguavox.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("linguavox.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordRun records one finished run. firstAudio is skipped when zero.
func (m *Metrics) RecordRun(ctx context.Context, kind, outcome string, firstAudio, total time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.Runs.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, total.Seconds(), attrs)
	if firstAudio > 0 {
		m.FirstAudioLatency.Record(ctx, firstAudio.Seconds(),
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordTransition records a turn state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.TurnTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordProviderRequest counts one attempt against provider.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one failure of provider, kind being the
// capability error kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordPublishFailure records a failed transcript delivery.
func (m *Metrics) RecordPublishFailure(ctx context.Context, subscriber string) {
	m.PublishFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("subscriber", subscriber)))
}
