// Package observe is the telemetry layer of voxclone. Instruments go through
// the OpenTelemetry API and are scraped from /metrics through the Prometheus
// bridge set up by [InitProvider]. Traces carry a correlation id that the
// HTTP [Middleware] and [Logger] expose.
//
// [DefaultMetrics] uses the global meter provider. Tests build their own
// instance with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterScope = "github.com/MrWong99/voxclone"

// Values of the "status" attribute on session metrics.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusNotFound  = "not_found"
)

// Metrics is the set of voxclone instruments. Attribute keys are listed per
// field.
type Metrics struct {
	// SynthesisDuration is engine start to finished WAV, in seconds.
	SynthesisDuration metric.Float64Histogram
	// FirstChunkLatency is engine start to the first chunk, in seconds.
	FirstChunkLatency metric.Float64Histogram

	// Sessions: engine, status.
	Sessions     metric.Int64Counter
	Chunks       metric.Int64Counter
	AudioSeconds metric.Float64Counter

	// ProviderRequests: provider, status.
	ProviderRequests metric.Int64Counter
	// ProviderErrors: provider, kind.
	ProviderErrors metric.Int64Counter
	// BreakerTransitions: provider, state.
	BreakerTransitions metric.Int64Counter

	ActiveSessions   metric.Int64UpDownCounter
	QueuedUtterances metric.Int64UpDownCounter
	VoicesLoaded     metric.Int64Gauge

	// HTTPRequestDuration: route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// Long utterances take tens of seconds end to end, so the buckets run to a
// minute.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// instruments creates instruments on one meter and keeps the first errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, opts ...metric.Float64HistogramOption) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, append([]metric.Float64HistogramOption{
		metric.WithDescription(desc), metric.WithUnit("s"),
	}, opts...)...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics registers every instrument with mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterScope)}
	buckets := metric.WithExplicitBucketBoundaries(latencyBuckets...)

	m := &Metrics{
		SynthesisDuration: b.histogram("voxclone.synthesis.duration", "Wall time of a synthesis session.", buckets),
		FirstChunkLatency: b.histogram("voxclone.synthesis.first_chunk", "Time until the engine emits its first audio chunk.", buckets),

		Sessions: b.counter("voxclone.synthesis.sessions", "Finished synthesis sessions by engine and status."),
		Chunks:   b.counter("voxclone.synthesis.chunks", "Engine chunks appended to assembly buffers."),

		ProviderRequests:   b.counter("voxclone.provider.requests", "Engine stream setups by provider and status."),
		ProviderErrors:     b.counter("voxclone.provider.errors", "Engine errors by provider and kind."),
		BreakerTransitions: b.counter("voxclone.provider.breaker_transitions", "Engine circuit breaker state changes by provider and new state."),

		ActiveSessions:   b.upDown("voxclone.active_sessions", "Number of in-flight synthesis sessions."),
		QueuedUtterances: b.upDown("voxclone.playback.queued", "Utterances queued or playing."),

		HTTPRequestDuration: b.histogram("voxclone.http.request.duration", "HTTP request latency by mux route and status code."),
	}

	var err error
	m.AudioSeconds, err = b.meter.Float64Counter("voxclone.audio.seconds",
		metric.WithDescription("Seconds of synthesised audio."), metric.WithUnit("s"))
	b.errs = append(b.errs, err)
	m.VoicesLoaded, err = b.meter.Int64Gauge("voxclone.voices.loaded",
		metric.WithDescription("Number of voice profiles in the active store."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics lazily builds one [Metrics] on the global meter provider.
// It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

func (m *Metrics) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSession counts a finished synthesis session.
func (m *Metrics) RecordSession(ctx context.Context, engine, status string) {
	m.count(ctx, m.Sessions, Attr("engine", engine), Attr("status", status))
}

// RecordProviderRequest counts a stream setup attempt on provider.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.count(ctx, m.ProviderRequests, Attr("provider", provider), Attr("status", status))
}

// RecordProviderError counts an engine error of the given kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.count(ctx, m.ProviderErrors, Attr("provider", provider), Attr("kind", kind))
}

// RecordBreakerTransition counts a breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.count(ctx, m.BreakerTransitions, Attr("provider", provider), Attr("state", state))
}
