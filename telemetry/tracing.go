package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	"github.com/next-trace/scg-courier/pipeline"
)

// TracerName is the instrumentation name used for receive spans.
const TracerName = "github.com/next-trace/scg-courier"

// TracingFilter continues the trace found in the message headers and wraps the rest of the
// receive pipe in a consumer span named after the endpoint address.
// A nil tp uses the global tracer provider; a nil prop uses the global propagator.
func TracingFilter(tp trace.TracerProvider, prop cbus.HeaderPropagator) pipeline.Filter[*pipeline.ReceiveContext] {
	if prop == nil {
		prop = NewHeaderPropagator(nil)
	}

	return pipeline.FilterFunc[*pipeline.ReceiveContext](func(
		ctx context.Context,
		rc *pipeline.ReceiveContext,
		next pipeline.Pipe[*pipeline.ReceiveContext],
	) error {
		provider := tp
		if provider == nil {
			provider = otel.GetTracerProvider()
		}

		ctx = prop.Extract(ctx, rc.Headers)
		ctx, span := provider.Tracer(TracerName).Start(ctx, "receive "+rc.Address,
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("messaging.destination.name", rc.Address),
			attribute.String("messaging.message.type", rc.MessageType()),
		)
		if tn := rc.Headers[cbus.HeaderTrackingNumber]; tn != "" {
			span.SetAttributes(attribute.String("courier.tracking_number", tn))
		}

		err := next.Send(ctx, rc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	})
}

// PublishTracingFilter wraps an outgoing send or publish in a producer span, so the trace
// context the transport injects into the headers names that span as parent.
// A nil tp uses the global tracer provider.
func PublishTracingFilter(tp trace.TracerProvider) pipeline.Filter[*pipeline.PublishContext] {
	return pipeline.FilterFunc[*pipeline.PublishContext](func(
		ctx context.Context,
		pc *pipeline.PublishContext,
		next pipeline.Pipe[*pipeline.PublishContext],
	) error {
		provider := tp
		if provider == nil {
			provider = otel.GetTracerProvider()
		}

		ctx, span := provider.Tracer(TracerName).Start(ctx, pc.Kind.String()+" "+pc.Destination,
			trace.WithSpanKind(trace.SpanKindProducer),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("messaging.destination.name", pc.Destination),
			attribute.String("messaging.message.type", pc.MessageType()),
		)
		if tn := pc.Headers[cbus.HeaderTrackingNumber]; tn != "" {
			span.SetAttributes(attribute.String("courier.tracking_number", tn))
		}

		err := next.Send(ctx, pc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	})
}
