package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "voxclone"

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	// ServiceName defaults to "voxclone".
	ServiceName    string
	ServiceVersion string

	// TraceExporter receives finished spans in batches. Without one, spans
	// still carry trace ids into logs and headers but go nowhere.
	TraceExporter sdktrace.SpanExporter

	// Registry is where metrics are exposed. Nil means a new registry with
	// the Go runtime and process collectors.
	Registry *prometheus.Registry
}

// Telemetry owns the global meter and tracer providers set up by
// [InitProvider].
type Telemetry struct {
	Registry *prometheus.Registry

	closers []func(context.Context) error
}

// MetricsHandler serves the Prometheus text format for /metrics.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{
		Registry:          t.Registry,
		EnableOpenMetrics: true,
	})
}

// Shutdown flushes pending telemetry. Every provider is shut down even if
// an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	errs := make([]error, 0, len(t.closers))
	for _, closeFn := range t.closers {
		errs = append(errs, closeFn(ctx))
	}
	return errors.Join(errs...)
}

// InitProvider installs global OpenTelemetry providers: metrics exported
// through a Prometheus registry, traces through cfg.TraceExporter, and W3C
// trace context propagation.
func InitProvider(_ context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exporter, err := promexporter.New(promexporter.WithRegisterer(cfg.Registry))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tracers := sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(meters)
	otel.SetTracerProvider(tracers)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Telemetry{
		Registry: cfg.Registry,
		closers:  []func(context.Context) error{tracers.Shutdown, meters.Shutdown},
	}, nil
}
