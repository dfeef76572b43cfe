package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transportTracerName = "ariana-worker-transport"

func transportTracer() trace.Tracer {
	return Tracer(transportTracerName)
}

// TraceWorkerCall starts a span for an HTTP call to a worker machine.
// Caller must call span.End() when the response is received.
func TraceWorkerCall(ctx context.Context, method, path, agentID string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "worker."+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceWorkerResponse records response attributes on the span.
func TraceWorkerResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
