// Package llm provides LLM provider interfaces and implementations.
//
// Providers back A2A actions: ActionHandler turns an inbound request into
// a chat prompt and returns the model's reply as the action result.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Message represents an LLM message.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// ChatRequest represents a chat request to the LLM.
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ChatResponse represents a chat response from the LLM.
type ChatResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Chat sends a chat request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string      `json:"provider"` // anthropic, openai, google, mock
	Model     string      `json:"model"`
	APIKey    string      `json:"api_key"`
	MaxTokens int         `json:"max_tokens"`
	BaseURL   string      `json:"base_url"` // Custom API endpoint (anthropic, openai)
	Retry     RetryConfig `json:"retry"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Provider == "mock" {
		return nil
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens is required")
	}
	return nil
}

// NewProvider creates a traced provider from cfg. If Provider is empty it
// is inferred from the model name.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, fmt.Errorf("cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "anthropic":
		p, err = NewAnthropicProvider(cfg)
	case "openai":
		p, err = NewOpenAIProvider(cfg)
	case "google":
		p, err = NewGoogleProvider(cfg)
	case "mock":
		m := NewMockProvider()
		m.SetResponse("ok")
		p = m
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Traced(p, cfg.Provider), nil
}

// sdkBase holds what every SDK-backed provider needs per call.
type sdkBase struct {
	name      string
	model     string
	maxTokens int
	retry     RetryConfig
}

func newSDKBase(name string, cfg Config) (sdkBase, error) {
	switch {
	case cfg.APIKey == "":
		return sdkBase{}, fmt.Errorf("api key is required for %s", name)
	case cfg.Model == "":
		return sdkBase{}, fmt.Errorf("model is required for %s", name)
	case cfg.MaxTokens <= 0:
		return sdkBase{}, fmt.Errorf("max_tokens is required for %s", name)
	}
	return sdkBase{name: name, model: cfg.Model, maxTokens: cfg.MaxTokens, retry: cfg.Retry}, nil
}

// tokens is the output budget for req: its own limit, else the default.
func (b sdkBase) tokens(req ChatRequest) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return int64(b.maxTokens)
}

// InferProviderFromModel returns the provider name based on model name
// patterns, or "" if no provider matches.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "chatgpt"):
		return "openai"
	case strings.HasPrefix(model, "gemini"), strings.HasPrefix(model, "gemma"):
		return "google"
	}
	return ""
}

// splitSystem separates the system prompt from the conversation.
func splitSystem(msgs []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
