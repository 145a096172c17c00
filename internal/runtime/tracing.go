package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/drblury/dispatchloop"

// dispatchTracer wraps the otel tracer so callers can disable telemetry
// without sprinkling conditionals through the dispatch path.
type dispatchTracer struct {
	enabled bool
	tracer  trace.Tracer
}

func newDispatchTracer(enabled bool) *dispatchTracer {
	return &dispatchTracer{
		enabled: enabled,
		tracer:  otel.Tracer(tracerName),
	}
}

type dispatchSpan struct {
	span trace.Span
}

func (t *dispatchTracer) start(ctx context.Context, msg *Message, handlerCount int) (context.Context, dispatchSpan) {
	if t == nil || !t.enabled {
		return ctx, dispatchSpan{}
	}
	ctx, span := t.tracer.Start(ctx, "dispatchloop.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
			attribute.String("message.priority", msg.Priority.String()),
			attribute.Int("message.retry_count", msg.RetryCount()),
			attribute.Int("dispatch.handler_count", handlerCount),
		),
	)
	if msg.CorrelationID != "" {
		span.SetAttributes(attribute.String("message.correlation_id", msg.CorrelationID))
	}
	return ctx, dispatchSpan{span: span}
}

func (s dispatchSpan) fail() {
	if s.span != nil {
		s.span.SetStatus(codes.Error, "handler execution failed")
	}
}

func (s dispatchSpan) end() {
	if s.span != nil {
		s.span.End()
	}
}
