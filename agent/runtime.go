package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/protocol"
	"github.com/vinayprograms/agentbeats/ratelimit"
	"github.com/vinayprograms/agentbeats/telemetry"
	"github.com/vinayprograms/agentbeats/transport"
)

// ActionCapabilities is the built-in action every runtime answers with its
// own advertisement.
const ActionCapabilities = "capabilities"

// ActionHandler performs one named action.
type ActionHandler interface {
	Handle(ctx context.Context, req *protocol.Request) (interface{}, error)
}

// ActionFunc adapts a function to ActionHandler.
type ActionFunc func(ctx context.Context, req *protocol.Request) (interface{}, error)

// Handle implements ActionHandler.
func (f ActionFunc) Handle(ctx context.Context, req *protocol.Request) (interface{}, error) {
	return f(ctx, req)
}

// MessageHandler observes inbound messages of one kind.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *protocol.Message) error
}

// MessageFunc adapts a function to MessageHandler.
type MessageFunc func(ctx context.Context, msg *protocol.Message) error

// HandleMessage implements MessageHandler.
func (f MessageFunc) HandleMessage(ctx context.Context, msg *protocol.Message) error {
	return f(ctx, msg)
}

// Config configures a Runtime.
type Config struct {
	// ID is the agent identity. Empty generates a UUID.
	ID string

	// Name is the human-readable name. Default: ID.
	Name string

	// Capabilities are the advertised capability tags.
	Capabilities []string

	// Metadata is copied into the advertisement.
	Metadata map[string]interface{}

	// Transport delivers traffic. May be nil; sends then fail with NO_TRANSPORT.
	Transport transport.Transport

	// RequestTimeout applies when SendRequest is called with timeout <= 0.
	// Default: 30s
	RequestTimeout time.Duration

	// Logger for runtime events. Nil uses a default logger.
	Logger *logging.Logger

	// Tracer for request and dispatch spans. Nil uses the global tracer.
	Tracer *telemetry.Tracer

	// Metrics records request and dispatch counters. Optional.
	Metrics *telemetry.Metrics

	// Exporter receives completed outbound exchanges. Optional.
	Exporter telemetry.Exporter

	// Limiter admits inbound requests per sender ID. Requests refused by
	// it are answered with a failure without reaching a handler. Optional.
	Limiter ratelimit.Limiter
}

// Runtime is an A2A agent: identity, handlers and an optional transport.
type Runtime struct {
	id           string
	name         string
	capabilities []string
	metadata     map[string]interface{}
	timeout      time.Duration

	logger   *logging.Logger
	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
	exporter telemetry.Exporter
	limiter  ratelimit.Limiter

	mu              sync.RWMutex
	transport       transport.Transport
	actions         map[string]ActionHandler
	messageHandlers map[protocol.Kind][]MessageHandler
	peers           map[string]protocol.Capabilities
	started         bool

	active atomic.Int64 // action handlers currently running
}

// New creates a runtime.
func New(cfg Config) *Runtime {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	if cfg.Exporter == nil {
		cfg.Exporter = telemetry.NewNoopExporter()
	}

	metadata := make(map[string]interface{}, len(cfg.Metadata))
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}

	r := &Runtime{
		id:              cfg.ID,
		name:            cfg.Name,
		capabilities:    append([]string(nil), cfg.Capabilities...),
		metadata:        metadata,
		timeout:         cfg.RequestTimeout,
		logger:          cfg.Logger.WithComponent("agent:" + cfg.ID),
		tracer:          cfg.Tracer,
		metrics:         cfg.Metrics,
		exporter:        cfg.Exporter,
		limiter:         cfg.Limiter,
		transport:       cfg.Transport,
		actions:         make(map[string]ActionHandler),
		messageHandlers: make(map[protocol.Kind][]MessageHandler),
		peers:           make(map[string]protocol.Capabilities),
	}

	r.actions[ActionCapabilities] = ActionFunc(func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		return r.Capabilities(), nil
	})
	r.messageHandlers[protocol.KindCapabilities] = []MessageHandler{MessageFunc(r.rememberPeer)}

	return r
}

// ID returns the agent identity.
func (r *Runtime) ID() string { return r.id }

// Name returns the human-readable name.
func (r *Runtime) Name() string { return r.name }

// Transport returns the bound transport, or nil.
func (r *Runtime) Transport() transport.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transport
}

// SetTransport binds t. It fails with ALREADY_STARTED while running.
func (r *Runtime) SetTransport(t transport.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return agenterr.New(agenterr.ErrCodeAlreadyStarted, "cannot replace transport of a running agent",
			agenterr.WithAgentID(r.id))
	}
	r.transport = t
	return nil
}

// RegisterActionHandler binds h to action, replacing any earlier handler.
func (r *Runtime) RegisterActionHandler(action string, h ActionHandler) {
	r.mu.Lock()
	r.actions[action] = h
	r.mu.Unlock()
}

// RegisterActionFunc binds fn to action.
func (r *Runtime) RegisterActionFunc(action string, fn ActionFunc) {
	r.RegisterActionHandler(action, fn)
}

// RegisterMessageHandler appends h to the handlers run for kind.
func (r *Runtime) RegisterMessageHandler(kind protocol.Kind, h MessageHandler) {
	r.mu.Lock()
	r.messageHandlers[kind] = append(r.messageHandlers[kind], h)
	r.mu.Unlock()
}

// Capabilities returns a snapshot of the advertisement. Supported actions
// are the registered action names, sorted.
func (r *Runtime) Capabilities() protocol.Capabilities {
	r.mu.RLock()
	actions := make([]string, 0, len(r.actions))
	for name := range r.actions {
		actions = append(actions, name)
	}
	r.mu.RUnlock()
	sort.Strings(actions)

	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	return protocol.Capabilities{
		AgentID:          r.id,
		AgentName:        r.name,
		Capabilities:     append([]string{}, r.capabilities...),
		SupportedActions: actions,
		Metadata:         metadata,
	}
}

// Start marks the agent running and starts the bound transport, if any.
// Without a transport the agent still runs and handles messages passed to
// HandleMessage directly. Calling Start on a running agent is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	if r.transport != nil {
		if err := r.transport.Start(ctx, r); err != nil {
			return err
		}
	}
	r.started = true
	r.logger.Info("started", map[string]interface{}{"name": r.name})
	return nil
}

// Stop stops the bound transport. Calling Stop on a stopped agent is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	t := r.transport
	r.mu.Unlock()

	// In-flight handlers need the read lock while the transport drains.
	if t != nil {
		if err := t.Stop(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("stopped")
	return nil
}

// OnShutdown implements shutdown.ShutdownHandler.
func (r *Runtime) OnShutdown(ctx context.Context) error {
	return r.Stop(ctx)
}

// ActiveRequests returns the number of action handlers running now.
func (r *Runtime) ActiveRequests() int {
	return int(r.active.Load())
}

// Running reports whether Start has succeeded and Stop has not been called.
func (r *Runtime) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// SendRequest asks receiver to perform action and waits for the response.
// A returned error means no response arrived; a response with Success
// false means the receiver reported a failure.
func (r *Runtime) SendRequest(ctx context.Context, receiver, action string, params map[string]interface{}, timeout time.Duration) (*protocol.Response, error) {
	t := r.Transport()
	if t == nil {
		return nil, agenterr.NoTransport(r.id)
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	req := protocol.NewRequest(r.id, receiver, action, params)

	ctx, span := r.tracer.StartRequestSpan(ctx, receiver, action)
	telemetry.InjectMetadata(ctx, req.Metadata)

	r.logger.RequestSent(receiver, action, req.ID)
	start := time.Now()
	resp, err := t.SendRequest(ctx, req, receiver, timeout)
	elapsed := time.Since(start)

	ex := telemetry.Exchange{
		RequestID: req.ID,
		Sender:    r.id,
		Receiver:  receiver,
		Action:    action,
		Latency:   elapsed,
		Timestamp: start,
	}
	opts := telemetry.RequestSpanOptions{
		Sender:    r.id,
		Receiver:  receiver,
		Action:    action,
		RequestID: req.ID,
		Params:    params,
	}
	switch {
	case err != nil:
		ex.Error = err.Error()
	case resp.Success:
		ex.Success = true
		opts.Success = true
		opts.Result = resp.Result
	default:
		ex.Error = resp.Error
	}
	r.tracer.EndRequestSpan(span, opts, err)
	r.metrics.RecordRequest(ctx, receiver, action, elapsed, ex.Success, agenterr.Is(err, agenterr.ErrCodeTimeout))
	r.exporter.LogExchange(ex)

	if err != nil {
		r.logger.Warn("request failed", map[string]interface{}{
			"receiver":   receiver,
			"action":     action,
			"request_id": req.ID,
			"error":      err.Error(),
		})
		return nil, err
	}
	return resp, nil
}

// SendNotification sends a fire-and-forget notification to receiver.
func (r *Runtime) SendNotification(ctx context.Context, receiver string, payload, metadata map[string]interface{}) error {
	t := r.Transport()
	if t == nil {
		return agenterr.NoTransport(r.id)
	}
	md := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	telemetry.InjectMetadata(ctx, md)
	msg := protocol.NewNotification(r.id, receiver, payload, md)
	return t.SendMessage(ctx, msg, receiver)
}

// Advertise sends this agent's capabilities to receiver.
func (r *Runtime) Advertise(ctx context.Context, receiver string) error {
	t := r.Transport()
	if t == nil {
		return agenterr.NoTransport(r.id)
	}
	return t.SendMessage(ctx, r.Capabilities().Message(receiver), receiver)
}

// Discover asks receiver for its capabilities and remembers them.
func (r *Runtime) Discover(ctx context.Context, receiver string, timeout time.Duration) (protocol.Capabilities, error) {
	resp, err := r.SendRequest(ctx, receiver, ActionCapabilities, nil, timeout)
	if err != nil {
		return protocol.Capabilities{}, err
	}
	if !resp.Success {
		return protocol.Capabilities{}, agenterr.New(agenterr.ErrCodeHandlerFailed, resp.Error,
			agenterr.WithAgentID(receiver), agenterr.WithRequestID(resp.RequestID))
	}
	caps, err := capabilitiesFromResult(resp.Result)
	if err != nil {
		return protocol.Capabilities{}, err
	}
	if caps.AgentID == "" {
		caps.AgentID = receiver
	}
	r.storePeer(caps)
	return caps, nil
}

// KnownPeers returns the capabilities learned through Discover and
// inbound advertisements, sorted by agent ID.
func (r *Runtime) KnownPeers() []protocol.Capabilities {
	r.mu.RLock()
	peers := make([]protocol.Capabilities, 0, len(r.peers))
	for _, c := range r.peers {
		peers = append(peers, c)
	}
	r.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].AgentID < peers[j].AgentID })
	return peers
}

func (r *Runtime) storePeer(caps protocol.Capabilities) {
	r.mu.Lock()
	r.peers[caps.AgentID] = caps
	r.mu.Unlock()
}

func (r *Runtime) rememberPeer(ctx context.Context, msg *protocol.Message) error {
	caps, err := protocol.CapabilitiesFrom(msg)
	if err != nil {
		return err
	}
	if caps.AgentID == "" {
		caps.AgentID = msg.SenderID
	}
	r.storePeer(caps)
	return nil
}

// HandleMessage dispatches an inbound message. It returns a response for
// request-kind messages and nil otherwise.
func (r *Runtime) HandleMessage(ctx context.Context, msg *protocol.Message) *protocol.Response {
	ctx = telemetry.ExtractMetadata(ctx, msg.Metadata)

	r.runMessageHandlers(ctx, msg)

	if msg.Kind() != protocol.KindRequest {
		return nil
	}
	req, err := protocol.AsRequest(msg)
	if err != nil {
		return protocol.NewFailure(r.id, &protocol.Request{Envelope: msg.Envelope}, err.Error())
	}
	return r.dispatch(ctx, req)
}

func (r *Runtime) runMessageHandlers(ctx context.Context, msg *protocol.Message) {
	r.mu.RLock()
	handlers := append([]MessageHandler(nil), r.messageHandlers[msg.Kind()]...)
	r.mu.RUnlock()

	for _, h := range handlers {
		if err := callMessageHandler(ctx, h, msg); err != nil {
			r.logger.HandlerFailed(msg.Kind().String(), err)
			r.metrics.RecordHandlerFailure(ctx, msg.Kind().String())
		}
	}
}

func callMessageHandler(ctx context.Context, h MessageHandler, msg *protocol.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = agenterr.RecoverPanic(p)
		}
	}()
	return h.HandleMessage(ctx, msg)
}

func (r *Runtime) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	r.mu.RLock()
	h, ok := r.actions[req.Action]
	r.mu.RUnlock()

	if !ok {
		r.metrics.RecordDispatch(ctx, req.Action, false)
		r.logger.RequestHandled(req.Action, req.ID, false, 0)
		return protocol.NewFailure(r.id, req, agenterr.UnknownAction(req.Action).Message())
	}
	if r.limiter != nil && !r.limiter.TryAcquire(req.SenderID) {
		r.metrics.RecordDispatch(ctx, req.Action, false)
		r.logger.Warn("request refused", map[string]interface{}{"sender_id": req.SenderID, "action": req.Action})
		return protocol.NewFailure(r.id, req, agenterr.New(agenterr.ErrCodeCapacity, "rate limit exceeded for "+req.SenderID).Message())
	}

	ctx, span := r.tracer.StartDispatchSpan(ctx, req.Action)
	start := time.Now()
	r.active.Add(1)
	result, err := callActionHandler(ctx, h, req)
	r.active.Add(-1)
	elapsed := time.Since(start)

	r.tracer.EndRequestSpan(span, telemetry.RequestSpanOptions{
		Sender:    req.SenderID,
		Receiver:  r.id,
		Action:    req.Action,
		RequestID: req.ID,
		Success:   err == nil,
		Params:    req.Parameters,
		Result:    result,
	}, err)
	r.metrics.RecordDispatch(ctx, req.Action, err == nil)
	r.logger.RequestHandled(req.Action, req.ID, err == nil, elapsed)

	if err != nil {
		r.logger.HandlerFailed(req.Action, err)
		r.metrics.RecordHandlerFailure(ctx, req.Action)
		return protocol.NewFailure(r.id, req, err.Error())
	}
	return protocol.NewSuccess(r.id, req, result)
}

func callActionHandler(ctx context.Context, h ActionHandler, req *protocol.Request) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = agenterr.RecoverPanic(p)
		}
	}()
	return h.Handle(ctx, req)
}

// capabilitiesFromResult accepts the typed value (in-process transports)
// or its decoded JSON form.
func capabilitiesFromResult(v interface{}) (protocol.Capabilities, error) {
	switch c := v.(type) {
	case protocol.Capabilities:
		return c, nil
	case *protocol.Capabilities:
		return *c, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return protocol.Capabilities{}, agenterr.Protocol(fmt.Sprintf("malformed capabilities result: %v", err))
	}
	var caps protocol.Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return protocol.Capabilities{}, agenterr.Protocol(fmt.Sprintf("malformed capabilities result: %v", err))
	}
	return caps, nil
}
