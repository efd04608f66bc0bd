package llm

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider answers chats through the Anthropic Messages API.
type AnthropicProvider struct {
	sdkBase
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider. BaseURL points it at
// a proxy or a compatible server.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	base, err := newSDKBase("anthropic", cfg)
	if err != nil {
		return nil, err
	}
	// retries are ours, see withRetry
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{sdkBase: base, client: anthropic.NewClient(opts...)}, nil
}

// Chat implements Provider. System messages become the system prompt.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	system, conversation := splitSystem(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.tokens(req),
		Messages:  make([]anthropic.MessageParam, 0, len(conversation)),
	}
	for _, m := range conversation {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := withRetry(ctx, p.retry, p.name, func() (*anthropic.Message, error) {
		return p.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, err
	}

	out := &ChatResponse{
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.Content += block.Text
		}
	}
	return out, nil
}
