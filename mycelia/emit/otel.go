package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span, grounded on the
// teacher's OTelEmitter (graph/emit/otel.go). Spans are point-in-time:
// started and ended immediately, recording the transition rather than a
// duration (call latency is recorded by the Metrics call-latency histogram,
// not carried on events).
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using tracer (e.g.
// otel.Tracer("mycelia")).
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.annotate(span, event)
		span.End()
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("mycelia.session_id", event.SessionID),
		attribute.String("mycelia.call_id", event.CallID),
		attribute.String("mycelia.node_name", event.NodeName),
	)
	for key, value := range event.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("mycelia."+key, v))
		case int:
			span.SetAttributes(attribute.Int("mycelia."+key, v))
		case int64:
			span.SetAttributes(attribute.Int64("mycelia."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("mycelia."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("mycelia."+key, v))
		default:
			span.SetAttributes(attribute.String("mycelia."+key, fmt.Sprintf("%v", v)))
		}
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush forces export of any buffered spans via the global tracer provider's
// ForceFlush, if it supports one (batch span processors do).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
