package protocol

import (
	"context"
	"crypto/rand"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var traceContext = propagation.TraceContext{}

// TraceParent returns a W3C traceparent for an outgoing packet. The span in
// ctx is used when there is one, otherwise fresh ids are generated.
func TraceParent(ctx context.Context) string {
	if ctx == nil {
		ctx = context.Background()
	}
	if !trace.SpanContextFromContext(ctx).IsValid() {
		var (
			tid trace.TraceID
			sid trace.SpanID
		)
		rand.Read(tid[:])
		rand.Read(sid[:])
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     sid,
			TraceFlags: trace.FlagsSampled,
		})
		ctx = trace.ContextWithSpanContext(ctx, sc)
	}

	carrier := propagation.MapCarrier{}
	traceContext.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}
