package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/shaharia-lab/chatrelay"

// StartSpan starts a new span with the given name and options. The tracer comes
// from the parent span when there is one and from the global provider otherwise.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if parent := trace.SpanFromContext(ctx); parent.SpanContext().IsValid() {
		return parent.TracerProvider().Tracer(tracerName).Start(ctx, name, opts...)
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}
