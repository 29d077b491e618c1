package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestTelemetry_ServesOwnRegistry(t *testing.T) {
	t.Parallel()
	tel, err := NewTelemetry(TelemetryConfig{ServiceVersion: "test", Detector: "haar", Classifier: "onnx"})
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ctx := context.Background()
	tel.Metrics.RecordFrame(ctx, PathCapture, "sample")
	tel.Metrics.SessionOpened(ctx, "video")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		"engagemeter_frames",
		"engagemeter_active_sessions",
		`engagemeter_detector="haar"`,
		`engagemeter_classifier="onnx"`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestTelemetry_InstallSetsGlobals(t *testing.T) {
	tel, err := NewTelemetry(TelemetryConfig{})
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	origTP, origMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})

	if otel.GetTracerProvider() == tel.tracers {
		t.Fatal("NewTelemetry replaced the global tracer provider")
	}
	tel.Install()
	if otel.GetTracerProvider() != tel.tracers || otel.GetMeterProvider() != tel.meters {
		t.Error("Install did not set the global providers")
	}
}
