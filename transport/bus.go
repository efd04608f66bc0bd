package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/agentbeats/bus"
	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/protocol"
)

// BusConfig configures the message bus transport.
type BusConfig struct {
	Config

	// Bus carries the traffic. Required.
	Bus bus.MessageBus

	// QueueGroup load-balances requests across runtimes sharing an identity.
	// Empty uses the agent ID.
	QueueGroup string
}

// BusTransport implements Transport over a bus.MessageBus. Each agent
// listens on a2a.<id>.message and a2a.<id>.request; requests use the bus's
// native request/reply so correlation needs no bookkeeping here.
type BusTransport struct {
	config BusConfig
	bus    bus.MessageBus
	logger *logging.Logger

	mu      sync.Mutex
	owner   Owner
	subs    []bus.Subscription
	wg      sync.WaitGroup
	started bool
}

// NewBusTransport creates a bus transport.
func NewBusTransport(cfg BusConfig) *BusTransport {
	cfg.Config = cfg.Config.withDefaults("bus-transport")
	return &BusTransport{
		config: cfg,
		bus:    cfg.Bus,
		logger: cfg.Logger,
	}
}

// Start subscribes to the owner's subjects.
func (t *BusTransport) Start(ctx context.Context, owner Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errAlreadyStarted("bus")
	}
	if t.bus == nil {
		return agenterr.InvalidInput("bus transport requires a message bus")
	}

	queue := t.config.QueueGroup
	if queue == "" {
		queue = owner.ID()
	}

	msgSub, err := t.bus.QueueSubscribe(bus.MessageSubject(owner.ID()), queue)
	if err != nil {
		return agenterr.Transport("subscribing to messages", err)
	}
	reqSub, err := t.bus.QueueSubscribe(bus.RequestSubject(owner.ID()), queue)
	if err != nil {
		msgSub.Unsubscribe()
		return agenterr.Transport("subscribing to requests", err)
	}

	t.owner = owner
	t.subs = []bus.Subscription{msgSub, reqSub}
	t.started = true

	t.wg.Add(2)
	go t.serve(owner, msgSub)
	go t.serve(owner, reqSub)

	t.logger.Info("subscribed", map[string]interface{}{"agent_id": owner.ID(), "queue": queue})
	return nil
}

// Stop unsubscribes and waits for the receive loops to exit.
func (t *BusTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.started = false
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return agenterr.Wrap(ctx.Err(), "stopping bus transport")
	}
}

func (t *BusTransport) serve(owner Owner, sub bus.Subscription) {
	defer t.wg.Done()
	for m := range sub.Messages() {
		go t.handle(owner, m)
	}
}

func (t *BusTransport) handle(owner Owner, m *bus.Message) {
	msg, err := protocol.Decode(m.Data)
	if err != nil {
		t.logger.TransportEvent("bad_message", m.Subject, err)
		return
	}
	data, err := dispatch(context.Background(), owner, msg)
	if err != nil {
		t.logger.TransportEvent("encode_failed", msg.SenderID, err)
		return
	}
	if data == nil || m.Reply == "" {
		return
	}
	if err := bus.Respond(t.bus, m, data); err != nil {
		t.logger.TransportEvent("reply_failed", msg.SenderID, err)
	}
}

// SendMessage publishes msg on the receiver's message subject.
func (t *BusTransport) SendMessage(ctx context.Context, msg *protocol.Message, receiverID string) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.bus.Publish(bus.MessageSubject(receiverID), data); err != nil {
		return agenterr.Transport("publishing to "+receiverID, err, agenterr.WithAgentID(receiverID))
	}
	return nil
}

// SendRequest issues a bus request on the receiver's request subject.
func (t *BusTransport) SendRequest(ctx context.Context, req *protocol.Request, receiverID string, timeout time.Duration) (*protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, agenterr.Wrap(err, "sending request to "+receiverID)
	}
	data, err := protocol.Encode(req.Message())
	if err != nil {
		return nil, err
	}

	timeout = t.config.timeout(timeout)
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}

	opts := []agenterr.Option{agenterr.WithAgentID(receiverID), agenterr.WithRequestID(req.ID)}
	reply, err := t.bus.Request(bus.RequestSubject(receiverID), data, timeout)
	switch {
	case stderrors.Is(err, bus.ErrNoResponders):
		return nil, agenterr.Unreachable(receiverID, opts...)
	case stderrors.Is(err, bus.ErrTimeout):
		return nil, agenterr.Timeout(fmt.Sprintf("no response from %s within %s", receiverID, timeout), opts...)
	case err != nil:
		return nil, agenterr.Transport("requesting "+receiverID, err, opts...)
	}

	resp, err := protocol.DecodeResponse(reply.Data)
	if err != nil {
		return nil, err
	}
	if err := checkCorrelation(req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
