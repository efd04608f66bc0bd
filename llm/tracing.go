package llm

import (
	"context"
	"strings"

	"github.com/vinayprograms/agentbeats/telemetry"
)

// traced records an llm.chat span around every call. Spans nest under the
// a2a.dispatch span of the request being answered.
type traced struct {
	Provider
	name string
}

// Traced wraps p so each Chat is traced under the global tracer.
func Traced(p Provider, name string) Provider {
	if _, ok := p.(*traced); ok {
		return p
	}
	return &traced{Provider: p, name: name}
}

func (t *traced) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartLLMSpan(ctx, "llm.chat")
	resp, err := t.Provider.Chat(ctx, req)

	opts := telemetry.LLMSpanOptions{Provider: t.name}
	if resp != nil {
		opts.Model = resp.Model
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.Response = resp.Content
	}
	if tracer.Debug() {
		var b strings.Builder
		for _, m := range req.Messages {
			b.WriteString("[" + m.Role + "] " + m.Content + "\n")
		}
		opts.Prompt = b.String()
	}
	tracer.EndLLMSpan(span, opts, err)
	return resp, err
}
