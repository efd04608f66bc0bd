package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/protocol"
	"github.com/vinayprograms/agentbeats/ratelimit"
)

// PromptParam is the request parameter used verbatim as the user prompt.
const PromptParam = "prompt"

// ActionHandler answers A2A requests with a model completion. It
// satisfies agent.ActionHandler.
type ActionHandler struct {
	provider  Provider
	system    string
	maxTokens int

	limiter    ratelimit.Limiter
	limiterKey string
}

// NewActionHandler creates a handler that prompts p. system, if set, is
// sent as the system prompt on every call.
func NewActionHandler(p Provider, system string, maxTokens int) *ActionHandler {
	return &ActionHandler{provider: p, system: system, maxTokens: maxTokens}
}

// WithLimiter makes every call take a token for key from l first. A
// rate-limit error from the provider reduces key's capacity.
func (h *ActionHandler) WithLimiter(l ratelimit.Limiter, key string) *ActionHandler {
	h.limiter, h.limiterKey = l, key
	return h
}

// Handle builds a prompt from the request and returns the completion as
// {content, model, stop_reason, input_tokens, output_tokens}.
func (h *ActionHandler) Handle(ctx context.Context, req *protocol.Request) (interface{}, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, 2)
	if h.system != "" {
		msgs = append(msgs, Message{Role: "system", Content: h.system})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	if h.limiter != nil {
		if err := h.limiter.Acquire(ctx, h.limiterKey); err != nil && !errors.Is(err, ratelimit.ErrResourceUnknown) {
			return nil, agenterr.HandlerFailed(req.Action, err)
		}
	}

	resp, err := h.provider.Chat(ctx, ChatRequest{Messages: msgs, MaxTokens: h.maxTokens})
	if err != nil {
		if h.limiter != nil && isRateLimitError(err) {
			h.limiter.Reduce(h.limiterKey, err.Error())
		}
		return nil, agenterr.HandlerFailed(req.Action, err)
	}
	return map[string]interface{}{
		"content":       resp.Content,
		"model":         resp.Model,
		"stop_reason":   resp.StopReason,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	}, nil
}

// BuildPrompt renders req as a user prompt. A string "prompt" parameter
// is used as is; otherwise the action name and parameters are rendered
// as indented JSON.
func BuildPrompt(req *protocol.Request) (string, error) {
	if p, ok := req.Parameters[PromptParam].(string); ok && strings.TrimSpace(p) != "" {
		return p, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\n", req.Action)
	if len(req.Parameters) > 0 {
		params, err := json.MarshalIndent(req.Parameters, "", "  ")
		if err != nil {
			return "", agenterr.InvalidInput("parameters are not JSON-encodable", agenterr.WithCause(err))
		}
		fmt.Fprintf(&b, "Parameters:\n%s\n", params)
	}
	return b.String(), nil
}
