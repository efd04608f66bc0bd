package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleProvider answers chats through the Gemini API.
type GoogleProvider struct {
	sdkBase
	client *genai.Client
}

// NewGoogleProvider creates a Gemini provider. BaseURL is ignored.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	base, err := newSDKBase("google", cfg)
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &GoogleProvider{sdkBase: base, client: client}, nil
}

// Close releases the client.
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// Chat implements Provider. A model handle is built per call so
// concurrent chats never share a system instruction.
func (p *GoogleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	system, conversation := splitSystem(req.Messages)

	model := p.client.GenerativeModel(p.model)
	limit := int32(p.tokens(req))
	model.MaxOutputTokens = &limit
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	// The trailing user turn is the prompt; everything before it is history.
	var prompt genai.Text
	if n := len(conversation); n > 0 && conversation[n-1].Role != "assistant" {
		prompt = genai.Text(conversation[n-1].Content)
		conversation = conversation[:n-1]
	}
	cs := model.StartChat()
	for _, m := range conversation {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	resp, err := withRetry(ctx, p.retry, p.name, func() (*genai.GenerateContentResponse, error) {
		return cs.SendMessage(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}

	out := &ChatResponse{Model: p.model}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}
	c := resp.Candidates[0]
	if c.FinishReason != genai.FinishReasonUnspecified {
		out.StopReason = c.FinishReason.String()
	}
	if c.Content != nil {
		for _, part := range c.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out.Content += string(text)
			}
		}
	}
	return out, nil
}
