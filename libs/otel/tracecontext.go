package otelx

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

const (
	TraceparentKey = "traceparent"
	TracestateKey  = "tracestate"
)

// Stored trace context is always W3C, whatever global propagator Setup installed.
var w3c = propagation.TraceContext{}

// TraceContextStrings returns the W3C headers of the span in ctx, or empty strings without one.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	carrier := propagation.MapCarrier{}
	w3c.Inject(ctx, carrier)
	return carrier.Get(TraceparentKey), carrier.Get(TracestateKey)
}

// ContextWithTraceContext restores a span context saved by TraceContextStrings as the remote
// parent of ctx.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{TraceparentKey: traceparent}
	if tracestate != "" {
		carrier[TracestateKey] = tracestate
	}
	return w3c.Extract(ctx, carrier)
}
