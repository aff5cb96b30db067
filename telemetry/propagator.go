// Package telemetry bridges the bus to OpenTelemetry: trace context travels in message
// headers, receive endpoints open a span per message, and log records carry the ids.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	cbus "github.com/next-trace/scg-courier/contract/bus"
)

// HeaderPropagator carries W3C trace context through string message headers.
type HeaderPropagator struct {
	p propagation.TextMapPropagator
}

var _ cbus.HeaderPropagator = HeaderPropagator{}

// NewHeaderPropagator wraps p. A nil p defers to the global otel propagator at call time.
func NewHeaderPropagator(p propagation.TextMapPropagator) HeaderPropagator {
	return HeaderPropagator{p: p}
}

func (h HeaderPropagator) propagator() propagation.TextMapPropagator {
	if h.p == nil {
		return otel.GetTextMapPropagator()
	}

	return h.p
}

// Inject writes the trace context of ctx into headers.
func (h HeaderPropagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}

	h.propagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx with the remote span context found in headers, if any.
func (h HeaderPropagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return h.propagator().Extract(ctx, propagation.MapCarrier(headers))
}
