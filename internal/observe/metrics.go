// Package observe provides application-wide observability primitives for
// engagemeter: OpenTelemetry metrics, tracing, trace-aware logging, and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [NewTelemetry]
// bridges them into a dedicated Prometheus registry served by
// [Telemetry.Handler] on /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all engagemeter
// metrics.
const meterName = "github.com/MrWong99/engagemeter"

// Frame processing paths, used as the "path" attribute.
const (
	PathCapture  = "capture"
	PathRealtime = "realtime"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// DetectDuration tracks face detection latency per frame.
	DetectDuration metric.Float64Histogram

	// ClassifyDuration tracks emotion classification latency per face crop.
	ClassifyDuration metric.Float64Histogram

	// --- Counters ---

	// Frames counts processed frames. Use with attributes:
	//   attribute.String("path", ...), attribute.String("outcome", ...)
	Frames metric.Int64Counter

	// Samples counts rows appended to session logs. Use with attribute:
	//   attribute.String("path", ...)
	Samples metric.Int64Counter

	// ProviderErrors counts inference provider failures. Use with attribute:
	//   attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks sessions whose log sink is open. Use with
	// attribute:
	//   attribute.String("mode", ...)
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-frame inference latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.DetectDuration, err = m.Float64Histogram("engagemeter.detect.duration",
		metric.WithDescription("Latency of face detection per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifyDuration, err = m.Float64Histogram("engagemeter.classify.duration",
		metric.WithDescription("Latency of emotion classification per face."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Frames, err = m.Int64Counter("engagemeter.frames",
		metric.WithDescription("Total processed frames by path and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Samples, err = m.Int64Counter("engagemeter.samples",
		metric.WithDescription("Total log rows written by path."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("engagemeter.provider.errors",
		metric.WithDescription("Total inference provider errors by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("engagemeter.active_sessions",
		metric.WithDescription("Number of sessions with an open log, by mode."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("engagemeter.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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
// fails.
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

// RecordFrame counts one processed frame.
func (m *Metrics) RecordFrame(ctx context.Context, path, outcome string) {
	m.Frames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("path", path),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordSample counts one log row.
func (m *Metrics) RecordSample(ctx context.Context, path string) {
	m.Samples.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordProviderError counts one inference failure. kind is "detector" or
// "classifier".
func (m *Metrics) RecordProviderError(ctx context.Context, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// SessionOpened increments the active session gauge for mode.
func (m *Metrics) SessionOpened(ctx context.Context, mode string) {
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// SessionClosed decrements the active session gauge for mode.
func (m *Metrics) SessionClosed(ctx context.Context, mode string) {
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("mode", mode)))
}
