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
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing which inference backends an instance
// runs with.
const (
	DetectorKey   = attribute.Key("engagemeter.detector")
	ClassifierKey = attribute.Key("engagemeter.classifier")
)

// TelemetryConfig configures [NewTelemetry].
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: "engagemeter".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Detector and Classifier name the configured inference providers. They
	// are attached to the resource so every exported series and span can be
	// told apart by backend.
	Detector   string
	Classifier string

	// TraceExporter receives finished spans. When nil, spans are recorded but
	// not exported.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry owns the meter and tracer providers of one engagemeter process
// together with the Prometheus registry that /metrics serves.
type Telemetry struct {
	// Metrics holds the engagemeter instruments, created on the meter
	// provider owned by this Telemetry.
	Metrics *Metrics

	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracers  *sdktrace.TracerProvider
}

// NewTelemetry builds the providers and instruments without touching the OTel
// globals, so tests can run several side by side. Call [Telemetry.Install] to
// make them the process-wide defaults.
func NewTelemetry(cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "engagemeter"
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, resourceAttrs(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("observe: register go collector: %w", err)
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	m, err := NewMetrics(mp)
	if err != nil {
		return nil, errors.Join(err, mp.Shutdown(context.Background()), tp.Shutdown(context.Background()))
	}
	return &Telemetry{Metrics: m, registry: reg, meters: mp, tracers: tp}, nil
}

func resourceAttrs(cfg TelemetryConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Detector != "" {
		attrs = append(attrs, DetectorKey.String(cfg.Detector))
	}
	if cfg.Classifier != "" {
		attrs = append(attrs, ClassifierKey.String(cfg.Classifier))
	}
	return attrs
}

// Install registers the providers as the OTel globals used by [StartSpan]
// and [DefaultMetrics].
func (t *Telemetry) Install() {
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracers)
}

// Handler serves the Prometheus registry fed by this Telemetry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and closes both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.tracers.Shutdown(ctx))
}
