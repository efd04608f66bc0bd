package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/protocol"
)

// Routes served for each agent.
const (
	RouteMessage      = "/a2a/message"
	RouteRequest      = "/a2a/request"
	RouteCapabilities = "/a2a/capabilities"
	RouteHealth       = "/healthz"
)

// Resolver maps an agent identity to its base URL.
// directory.Directory satisfies it.
type Resolver interface {
	GetEndpoint(agentID string) (string, bool)
}

// HTTPConfig configures the request/reply transport.
type HTTPConfig struct {
	Config

	// ListenAddr is the address the inbound server binds, e.g. ":8080".
	// Empty disables the listener (send-only).
	ListenAddr string

	// BaseURL is the fallback gateway for peers with no known endpoint;
	// requests go to {BaseURL}/agents/{id}/a2a/request.
	BaseURL string

	// Endpoints maps peer identity to the peer's base URL.
	Endpoints map[string]string

	// Resolver is consulted after Endpoints.
	Resolver Resolver

	// Client is used for outbound calls. Nil uses a default client.
	Client *http.Client

	// ReadHeaderTimeout for the inbound server.
	// Default: 10s
	ReadHeaderTimeout time.Duration
}

// DefaultHTTPConfig returns configuration with sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Config:            DefaultConfig(),
		ListenAddr:        ":8080",
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// HTTPTransport implements Transport with one HTTP endpoint per agent.
type HTTPTransport struct {
	config HTTPConfig
	client *http.Client
	logger *logging.Logger

	mu        sync.RWMutex
	endpoints map[string]string
	owner     Owner
	server    *http.Server
	listener  net.Listener
	started   bool
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	cfg.Config = cfg.Config.withDefaults("http-transport")
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultHTTPConfig().ReadHeaderTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for id, url := range cfg.Endpoints {
		endpoints[id] = strings.TrimRight(url, "/")
	}
	return &HTTPTransport{
		config:    cfg,
		client:    client,
		logger:    cfg.Logger,
		endpoints: endpoints,
	}
}

// SetEndpoint records the base URL of a peer.
func (t *HTTPTransport) SetEndpoint(agentID, baseURL string) {
	t.mu.Lock()
	t.endpoints[agentID] = strings.TrimRight(baseURL, "/")
	t.mu.Unlock()
}

// RemoveEndpoint forgets a peer.
func (t *HTTPTransport) RemoveEndpoint(agentID string) {
	t.mu.Lock()
	delete(t.endpoints, agentID)
	t.mu.Unlock()
}

// Start binds the transport to owner and starts the inbound server.
func (t *HTTPTransport) Start(ctx context.Context, owner Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errAlreadyStarted("http")
	}
	t.owner = owner

	if t.config.ListenAddr != "" {
		ln, err := net.Listen("tcp", t.config.ListenAddr)
		if err != nil {
			return agenterr.Transport("listening on "+t.config.ListenAddr, err)
		}
		t.listener = ln
		t.server = &http.Server{
			Handler:           t.Handler(),
			ReadHeaderTimeout: t.config.ReadHeaderTimeout,
		}
		go func(srv *http.Server) {
			if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				t.logger.Error("server stopped", map[string]interface{}{"error": err.Error()})
			}
		}(t.server)
		t.logger.Info("listening", map[string]interface{}{
			"agent_id": owner.ID(),
			"addr":     ln.Addr().String(),
		})
	}

	t.started = true
	return nil
}

// Stop shuts the inbound server down.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	srv := t.server
	t.server = nil
	t.listener = nil
	t.started = false
	t.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return agenterr.Transport("shutting down http server", err)
	}
	return nil
}

// Addr returns the bound listener address, or "" if not listening.
func (t *HTTPTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Handler returns the router serving the bound owner.
func (t *HTTPTransport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	mountAgentRoutes(r, t.config.MaxMessageSize, func(*http.Request) Owner {
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.owner
	}, t.logger)
	return r
}

// resolve returns the URL of route on receiverID.
func (t *HTTPTransport) resolve(receiverID, route string) (string, error) {
	t.mu.RLock()
	base, ok := t.endpoints[receiverID]
	t.mu.RUnlock()

	if !ok && t.config.Resolver != nil {
		if ep, found := t.config.Resolver.GetEndpoint(receiverID); found && ep != "" {
			base, ok = strings.TrimRight(ep, "/"), true
		}
	}
	if !ok && t.config.BaseURL != "" {
		base, ok = strings.TrimRight(t.config.BaseURL, "/")+"/agents/"+receiverID, true
	}
	if !ok {
		return "", agenterr.Unreachable(receiverID)
	}
	return base + route, nil
}

// SendMessage posts msg to the receiver's message route.
func (t *HTTPTransport) SendMessage(ctx context.Context, msg *protocol.Message, receiverID string) error {
	url, err := t.resolve(receiverID, RouteMessage)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	resp, err := t.post(ctx, url, data)
	if err != nil {
		return agenterr.Transport("posting message to "+receiverID, err, agenterr.WithAgentID(receiverID))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return agenterr.Transport("posting message to "+receiverID,
			fmt.Errorf("status %d", resp.StatusCode), agenterr.WithAgentID(receiverID))
	}
	return nil
}

// SendRequest posts req to the receiver's request route and decodes the reply.
func (t *HTTPTransport) SendRequest(ctx context.Context, req *protocol.Request, receiverID string, timeout time.Duration) (*protocol.Response, error) {
	url, err := t.resolve(receiverID, RouteRequest)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(req.Message())
	if err != nil {
		return nil, err
	}

	timeout = t.config.timeout(timeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := []agenterr.Option{agenterr.WithAgentID(receiverID), agenterr.WithRequestID(req.ID)}

	resp, err := t.post(reqCtx, url, data)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, agenterr.Timeout(fmt.Sprintf("no response from %s within %s", receiverID, timeout), opts...)
		}
		return nil, agenterr.Transport("posting request to "+receiverID, err, opts...)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxMessageSize))
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, agenterr.Timeout(fmt.Sprintf("no response from %s within %s", receiverID, timeout), opts...)
		}
		return nil, agenterr.Transport("reading response from "+receiverID, err, opts...)
	}
	if resp.StatusCode/100 != 2 {
		return nil, agenterr.Transport("request to "+receiverID,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), opts...)
	}

	out, err := protocol.DecodeResponse(body)
	if err != nil {
		return nil, err
	}
	if err := checkCorrelation(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchCapabilities queries a peer's capability route.
func (t *HTTPTransport) FetchCapabilities(ctx context.Context, receiverID string) (protocol.Capabilities, error) {
	var caps protocol.Capabilities
	url, err := t.resolve(receiverID, RouteCapabilities)
	if err != nil {
		return caps, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return caps, agenterr.Transport("building capabilities request", err)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return caps, agenterr.Transport("fetching capabilities from "+receiverID, err, agenterr.WithAgentID(receiverID))
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return caps, agenterr.Transport("fetching capabilities from "+receiverID,
			fmt.Errorf("status %d", resp.StatusCode), agenterr.WithAgentID(receiverID))
	}
	if err := decodeJSON(resp.Body, t.config.MaxMessageSize, &caps); err != nil {
		return caps, agenterr.WrapWithCode(err, agenterr.ErrCodeProtocol, "malformed capabilities")
	}
	return caps, nil
}

func (t *HTTPTransport) post(ctx context.Context, url string, data []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return t.client.Do(httpReq)
}
