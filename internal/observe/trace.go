package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationScope names the tracer that callbridge spans are started on.
const instrumentationScope = "github.com/MrWong99/callbridge"

// Tracer returns the callbridge tracer from the global provider installed by
// [InitProvider]. Before that it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationScope)
}

// StartSpan starts a span named name as a child of any span in ctx. End the
// returned span when the operation completes.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the trace id of the span in ctx in hex, or "" when ctx
// carries no sampled-or-recorded trace. HTTP responses echo it as
// X-Correlation-ID so operators can find a stream's log lines.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is [LoggerFrom] applied to [slog.Default].
func Logger(ctx context.Context, attrs ...any) *slog.Logger {
	return LoggerFrom(ctx, slog.Default(), attrs...)
}

// LoggerFrom derives a logger from base that tags every record with the
// trace_id and span_id of ctx's span, when there is one, followed by attrs.
func LoggerFrom(ctx context.Context, base *slog.Logger, attrs ...any) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		base = base.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) > 0 {
		base = base.With(attrs...)
	}
	return base
}
