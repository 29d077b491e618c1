package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/engagemeter"

// Span and log attribute keys for the session a piece of work belongs to.
const (
	SessionIDKey   = attribute.Key("session.id")
	SessionModeKey = attribute.Key("session.mode")
)

type sessionKey struct{}

type sessionScope struct {
	id, mode string
}

// WithSession scopes ctx to one session. Spans started by [StartSpan] and
// loggers returned by [Logger] under the returned context carry the session
// id and mode.
func WithSession(ctx context.Context, id, mode string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionScope{id: id, mode: mode})
}

// SessionFromContext returns the session set by [WithSession].
func SessionFromContext(ctx context.Context) (id, mode string, ok bool) {
	s, ok := ctx.Value(sessionKey{}).(sessionScope)
	return s.id, s.mode, ok
}

// StartSpan starts a span on the global tracer provider, tagged with the
// session scope of ctx if there is one. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id, mode, ok := SessionFromContext(ctx); ok {
		opts = append(opts, trace.WithAttributes(SessionIDKey.String(id), SessionModeKey.String(mode)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Logger returns the default logger with the session scope and the trace and
// span ids of ctx attached, whichever are present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id, mode, ok := SessionFromContext(ctx); ok {
		l = l.With(slog.String("session_id", id), slog.String("mode", mode))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
