package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSessionFromContext(t *testing.T) {
	t.Parallel()
	if _, _, ok := SessionFromContext(context.Background()); ok {
		t.Error("background context reports a session")
	}
	ctx := WithSession(context.Background(), "0192f5c4-aaaa-7bbb-8ccc-000000000001", "video")
	id, mode, ok := SessionFromContext(ctx)
	if !ok || id != "0192f5c4-aaaa-7bbb-8ccc-000000000001" || mode != "video" {
		t.Errorf("SessionFromContext = %q %q %v", id, mode, ok)
	}
}

func TestStartSpan_TagsSessionScope(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	_, plain := StartSpan(context.Background(), "report.Analyze")
	plain.End()
	_, scoped := StartSpan(WithSession(context.Background(), "s1", "webcam"), "frameproc.Process")
	scoped.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if len(spans[0].Attributes) != 0 {
		t.Errorf("unscoped span attributes = %v, want none", spans[0].Attributes)
	}
	got := map[string]string{}
	for _, a := range spans[1].Attributes {
		got[string(a.Key)] = a.Value.AsString()
	}
	if got["session.id"] != "s1" || got["session.mode"] != "webcam" {
		t.Errorf("scoped span attributes = %v", got)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("plain")
	if out := buf.String(); strings.Contains(out, "trace_id") || strings.Contains(out, "session_id") {
		t.Errorf("unscoped log has extra attributes: %s", out)
	}
	buf.Reset()

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(WithSession(context.Background(), "s2", "realtime"), "op")
	defer span.End()

	Logger(ctx).Info("traced")
	out := buf.String()
	for _, want := range []string{"trace_id=", "span_id=", "session_id=s2", "mode=realtime"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}
