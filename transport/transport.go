package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/protocol"
)

// Owner is the runtime a transport delivers inbound traffic to.
type Owner interface {
	// ID returns the agent identity the transport listens for.
	ID() string

	// HandleMessage dispatches an inbound message. It returns a response
	// for request-kind messages and nil otherwise.
	HandleMessage(ctx context.Context, msg *protocol.Message) *protocol.Response

	// Capabilities returns the advertisement served to peers.
	Capabilities() protocol.Capabilities
}

// Transport is the delivery contract shared by all implementations.
type Transport interface {
	// Start binds the transport to owner and begins listening.
	// A second call while started fails with ALREADY_STARTED.
	Start(ctx context.Context, owner Owner) error

	// Stop releases listening resources. Safe to call when not started.
	Stop(ctx context.Context) error

	// SendMessage delivers msg to receiverID without awaiting a response.
	SendMessage(ctx context.Context, msg *protocol.Message, receiverID string) error

	// SendRequest delivers req and waits for its correlated response.
	// Fails with TIMEOUT, TRANSPORT or UNREACHABLE.
	SendRequest(ctx context.Context, req *protocol.Request, receiverID string, timeout time.Duration) (*protocol.Response, error)
}

// Config holds settings common to every transport.
type Config struct {
	// RequestTimeout applies when SendRequest is called with timeout <= 0.
	// Default: 30s
	RequestTimeout time.Duration

	// MaxMessageSize limits inbound message bodies.
	// Default: 1MB
	MaxMessageSize int64

	// Logger for transport events. Nil uses a default logger.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		MaxMessageSize: 1024 * 1024,
	}
}

func (c Config) withDefaults(component string) Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = logging.New()
	}
	c.Logger = c.Logger.WithComponent(component)
	return c
}

func (c Config) timeout(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return c.RequestTimeout
}

func errAlreadyStarted(kind string) error {
	return agenterr.New(agenterr.ErrCodeAlreadyStarted, kind+" transport already started")
}

func errNotStarted(kind string) error {
	return agenterr.Transport(kind+" transport not started", nil)
}

// dispatch hands msg to owner and encodes the response, if any.
func dispatch(ctx context.Context, owner Owner, msg *protocol.Message) ([]byte, error) {
	resp := owner.HandleMessage(ctx, msg)
	if resp == nil {
		return nil, nil
	}
	return protocol.Encode(resp.Message())
}

func checkCorrelation(req *protocol.Request, resp *protocol.Response) error {
	if resp.RequestID != req.ID {
		return agenterr.Protocol("response does not match request",
			agenterr.WithRequestID(req.ID),
			agenterr.WithMetadata("response_request_id", resp.RequestID))
	}
	return nil
}

func jsonBody(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"encoding failed"}`)
	}
	return data
}

// pendingRequests correlates in-flight requests with their responses.
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	peer string
	ch   chan result
}

type result struct {
	resp *protocol.Response
	err  error
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiters: make(map[string]*waiter)}
}

func (p *pendingRequests) add(requestID, peer string) <-chan result {
	ch := make(chan result, 1)
	p.mu.Lock()
	p.waiters[requestID] = &waiter{peer: peer, ch: ch}
	p.mu.Unlock()
	return ch
}

func (p *pendingRequests) remove(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// resolve completes the waiter for resp and reports whether one existed.
func (p *pendingRequests) resolve(resp *protocol.Response) bool {
	p.mu.Lock()
	w, ok := p.waiters[resp.RequestID]
	if ok {
		delete(p.waiters, resp.RequestID)
	}
	p.mu.Unlock()
	if ok {
		w.ch <- result{resp: resp}
	}
	return ok
}

// failPeer fails every waiter addressed to peer.
func (p *pendingRequests) failPeer(peer string, err error) {
	p.mu.Lock()
	var failed []*waiter
	for id, w := range p.waiters {
		if w.peer == peer {
			failed = append(failed, w)
			delete(p.waiters, id)
		}
	}
	p.mu.Unlock()
	for _, w := range failed {
		w.ch <- result{err: err}
	}
}

// failAll fails every waiter.
func (p *pendingRequests) failAll(err error) {
	p.mu.Lock()
	failed := p.waiters
	p.waiters = make(map[string]*waiter)
	p.mu.Unlock()
	for _, w := range failed {
		w.ch <- result{err: err}
	}
}

// await waits for the response to requestID under timeout.
func (p *pendingRequests) await(ctx context.Context, ch <-chan result, req *protocol.Request, receiverID string, timeout time.Duration) (*protocol.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-timer.C:
		p.remove(req.ID)
		return nil, agenterr.Timeout("no response from "+receiverID+" within "+timeout.String(),
			agenterr.WithAgentID(receiverID), agenterr.WithRequestID(req.ID))
	case <-ctx.Done():
		p.remove(req.ID)
		return nil, agenterr.Wrap(ctx.Err(), "waiting for response from "+receiverID,
			agenterr.WithAgentID(receiverID), agenterr.WithRequestID(req.ID))
	}
}
