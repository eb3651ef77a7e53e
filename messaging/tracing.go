package messaging

import (
	"context"

	"github.com/glimte/burrow-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/glimte/burrow-go/messaging"

	publishSpanName = "burrow.publish"
	handleSpanName  = "burrow.handle"
)

type tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func newTracer(cfg Config) tracer {
	return tracer{
		tracer:     cfg.TracerProvider.Tracer(tracerName),
		propagator: cfg.Propagator,
	}
}

func messageAttributes(exchange, routingKey, correlationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		attribute.String("messaging.message.conversation_id", correlationID),
	}
}

// startPublish opens a producer span and injects its context into msg headers
func (t tracer) startPublish(ctx context.Context, exchange, routingKey string, msg *amqp.Publishing) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, publishSpanName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messageAttributes(exchange, routingKey, msg.CorrelationId)...),
	)
	t.propagator.Inject(ctx, rabbitmq.NewPublishingCarrier(msg))
	return ctx, span
}

// startHandle extracts the remote context from d and opens a consumer span
func (t tracer) startHandle(ctx context.Context, d *amqp.Delivery) (context.Context, trace.Span) {
	ctx = t.propagator.Extract(ctx, rabbitmq.NewDeliveryCarrier(d))
	return t.tracer.Start(ctx, handleSpanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messageAttributes(d.Exchange, d.RoutingKey, d.CorrelationId)...),
	)
}

// inject writes the current span context into an outgoing reply
func (t tracer) inject(ctx context.Context, msg *amqp.Publishing) {
	t.propagator.Inject(ctx, rabbitmq.NewPublishingCarrier(msg))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
