// OpenTelemetry tracing for A2A exchanges and coordination.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts the spans of an A2A exchange: a client span per outbound
// request, a server span per dispatched action, internal spans for
// coordinator steps and client spans for LLM calls. In debug mode request
// parameters, results and prompts are recorded as attributes.
type Tracer struct {
	tracer trace.Tracer
	debug  bool
}

var global atomic.Pointer[Tracer]

// SetGlobalTracer installs t as the tracer returned by GetTracer.
func SetGlobalTracer(t *Tracer) {
	global.Store(t)
}

// GetTracer returns the global tracer, or a no-op tracer before one is set.
func GetTracer() *Tracer {
	if t := global.Load(); t != nil {
		return t
	}
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracerFromProvider creates a tracer backed by tp.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug reports whether payloads are recorded.
func (t *Tracer) Debug() bool {
	return t.debug
}

func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RequestSpanOptions describes a finished request or dispatch. Params and
// Result are recorded only in debug mode.
type RequestSpanOptions struct {
	Sender    string
	Receiver  string
	Action    string
	RequestID string
	Success   bool
	Params    map[string]interface{}
	Result    interface{}
}

// StartRequestSpan starts the client span around SendRequest.
func (t *Tracer) StartRequestSpan(ctx context.Context, receiver, action string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "a2a.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("a2a.receiver", receiver),
			attribute.String("a2a.action", action),
		))
}

// StartDispatchSpan starts the server span around an action handler.
func (t *Tracer) StartDispatchSpan(ctx context.Context, action string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "a2a.dispatch."+action,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("a2a.action", action)))
}

// EndRequestSpan ends a span from StartRequestSpan or StartDispatchSpan.
func (t *Tracer) EndRequestSpan(span trace.Span, opts RequestSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("a2a.request_id", opts.RequestID),
		attribute.Bool("a2a.success", opts.Success),
	)
	if opts.Sender != "" {
		span.SetAttributes(attribute.String("a2a.sender", opts.Sender))
	}
	if t.debug {
		for k, v := range opts.Params {
			span.SetAttributes(attribute.String("a2a.param."+k, truncateAny(v, 500)))
		}
		if opts.Result != nil {
			span.SetAttributes(attribute.String("a2a.result", truncateAny(opts.Result, 4000)))
		}
	}
	finish(span, err)
}

// StartCoordinatorSpan starts an internal span for one coordinator step,
// such as playing a turn.
func (t *Tracer) StartCoordinatorSpan(ctx context.Context, coordinator, op string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "coordinator."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("coordinator.name", coordinator)))
}

// EndCoordinatorSpan records the agent whose turn it was and the turn
// number.
func (t *Tracer) EndCoordinatorSpan(span trace.Span, agentID string, turn int, err error) {
	if agentID != "" {
		span.SetAttributes(attribute.String("coordinator.agent", agentID))
	}
	span.SetAttributes(attribute.Int("coordinator.turn", turn))
	finish(span, err)
}

// LLMSpanOptions describes a finished LLM call. Prompt and Response are
// recorded only in debug mode.
type LLMSpanOptions struct {
	Model     string
	Provider  string
	TokensIn  int
	TokensOut int
	Prompt    string
	Response  string
}

func (t *Tracer) StartLLMSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

func (t *Tracer) EndLLMSpan(span trace.Span, opts LLMSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("llm.model", opts.Model),
		attribute.String("llm.provider", opts.Provider),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
	)
	if t.debug && opts.Prompt != "" {
		span.SetAttributes(attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
	}
	if t.debug && opts.Response != "" {
		span.SetAttributes(attribute.String("llm.response", truncate(opts.Response, 4000)))
	}
	finish(span, err)
}

func finish(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// truncateAny renders v for a span attribute: strings as-is, anything
// else as JSON, falling back to fmt.
func truncateAny(v interface{}, n int) string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = string(val)
	case fmt.Stringer:
		s = val.String()
	default:
		if data, err := json.Marshal(v); err == nil {
			s = string(data)
		} else {
			s = fmt.Sprint(v)
		}
	}
	return truncate(s, n)
}
