package llm

import (
	"context"
	"strings"
	"sync"
)

// MockProvider answers from a script instead of a model. Queued replies are
// used first, in order; after that every call gets the fallback reply.
// Token counts are whitespace word counts.
type MockProvider struct {
	mu       sync.Mutex
	queue    []string
	fallback string
	err      error
	requests []ChatRequest
}

// NewMockProvider creates a provider that will answer with replies, in
// order, before falling back to "".
func NewMockProvider(replies ...string) *MockProvider {
	return &MockProvider{queue: replies}
}

// SetResponse sets the fallback reply.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	p.fallback = content
	p.mu.Unlock()
}

// Queue appends one-shot replies.
func (p *MockProvider) Queue(replies ...string) {
	p.mu.Lock()
	p.queue = append(p.queue, replies...)
	p.mu.Unlock()
}

// SetError makes every following call fail with err. nil clears it.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// LastRequest returns the most recent request, or nil before the first call.
func (p *MockProvider) LastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}

	reply := p.fallback
	if len(p.queue) > 0 {
		reply, p.queue = p.queue[0], p.queue[1:]
	}

	in := 0
	for _, m := range req.Messages {
		in += len(strings.Fields(m.Content))
	}
	return &ChatResponse{
		Content:      reply,
		StopReason:   "end_turn",
		InputTokens:  in,
		OutputTokens: len(strings.Fields(reply)),
		Model:        "mock",
	}, nil
}
