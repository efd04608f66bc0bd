package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceParentKey is the message metadata key carrying W3C trace context.
const TraceParentKey = "traceparent"

// propagatedKeys are the metadata keys the installed propagators use.
var propagatedKeys = []string{TraceParentKey, "tracestate", "baggage"}

// InjectMetadata writes the trace context of ctx into message metadata,
// so the receiving runtime's dispatch span joins the sender's trace.
// metadata must be non-nil.
func InjectMetadata(ctx context.Context, metadata map[string]interface{}) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		metadata[k] = v
	}
}

// ExtractMetadata returns ctx extended with the trace context found in
// message metadata; ctx itself when there is none.
func ExtractMetadata(ctx context.Context, metadata map[string]interface{}) context.Context {
	carrier := propagation.MapCarrier{}
	for _, key := range propagatedKeys {
		if s, ok := metadata[key].(string); ok && s != "" {
			carrier[key] = s
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
