package coordinator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/protocol"
	"github.com/vinayprograms/agentbeats/telemetry"
)

// Messenger sends A2A traffic on the coordinator's behalf.
// *agent.Runtime satisfies it.
type Messenger interface {
	SendRequest(ctx context.Context, receiver, action string, params map[string]interface{}, timeout time.Duration) (*protocol.Response, error)
	SendNotification(ctx context.Context, receiver string, payload, metadata map[string]interface{}) error
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// RequestTimeout bounds each action request.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// MaxConcurrent bounds parallel deliveries in DeliverPending.
	// Default: 8
	MaxConcurrent int

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// Bridge moves a coordinator's queued messages onto the wire. Queued
// action_request messages become A2A requests whose outcome is recorded
// back into the coordinator; everything else becomes a notification.
type Bridge struct {
	coord     *Coordinator
	messenger Messenger
	config    BridgeConfig
	logger    *logging.Logger
	tracer    *telemetry.Tracer
}

// NewBridge connects c to live agents through m.
func NewBridge(c *Coordinator, m Messenger, cfg BridgeConfig) *Bridge {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("coordinator-bridge")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &Bridge{
		coord:     c,
		messenger: m,
		config:    cfg,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}
}

// PlayTurn asks the current-turn agent to perform action and delivers
// anything else queued for it. A reported failure is returned as a
// Response with Success false; a missing answer is returned as an error.
// Either way the agent is marked failed. The turn is not advanced.
func (b *Bridge) PlayTurn(ctx context.Context, action string, params map[string]interface{}, timeout time.Duration) (*protocol.Response, error) {
	ctx, span := b.tracer.StartCoordinatorSpan(ctx, b.coord.Name(), "play_turn")

	agentID, ok := b.coord.GetCurrentTurnAgent()
	if !ok {
		err := agenterr.New(agenterr.ErrCodeCoordination, "no active turn")
		b.tracer.EndCoordinatorSpan(span, "", 0, err)
		return nil, err
	}
	turn := b.coord.GetCoordinationStatus().TurnNumber

	if !b.coord.RequestAgentAction(agentID, action, params) {
		err := agenterr.Newf(agenterr.ErrCodeCoordination, "action request for %s rejected", agentID)
		b.tracer.EndCoordinatorSpan(span, agentID, turn, err)
		return nil, err
	}

	resp, err := b.deliver(ctx, agentID, timeout)
	if err == nil && resp == nil {
		err = agenterr.Newf(agenterr.ErrCodeCoordination, "action request for %s was not delivered", agentID)
	}
	b.tracer.EndCoordinatorSpan(span, agentID, turn, err)
	return resp, err
}

// DeliverPending delivers every queued message to every registered agent.
// Agents are served in parallel; each agent's messages go out in queue
// order. It returns the first delivery error.
func (b *Bridge) DeliverPending(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(b.config.MaxConcurrent)

	for _, agentID := range b.coord.TurnOrder() {
		g.Go(func() error {
			_, err := b.deliver(ctx, agentID, 0)
			return err
		})
	}
	return g.Wait()
}

// deliver drains agentID's queue and returns the last action response.
func (b *Bridge) deliver(ctx context.Context, agentID string, timeout time.Duration) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = b.config.RequestTimeout
	}

	var last *protocol.Response
	var errs []error
	for _, msg := range b.coord.GetMessagesForAgent(agentID) {
		if msg.Type == MessageActionRequest {
			resp, err := b.request(ctx, msg, timeout)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			last = resp
			continue
		}
		if err := b.notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return last, agenterr.Join(errs...)
}

func (b *Bridge) request(ctx context.Context, msg QueuedMessage, timeout time.Duration) (*protocol.Response, error) {
	action, params := actionFromContent(msg.Content)
	if action == "" {
		b.coord.HandleAgentError(msg.RecipientID, "action request without action_type")
		return nil, agenterr.InvalidInput("action request without action_type", agenterr.WithAgentID(msg.RecipientID))
	}

	resp, err := b.messenger.SendRequest(ctx, msg.RecipientID, action, params, timeout)
	switch {
	case agenterr.Is(err, agenterr.ErrCodeTimeout):
		b.coord.HandleTurnTimeout(msg.RecipientID)
		return nil, err
	case err != nil:
		b.coord.HandleAgentError(msg.RecipientID, err.Error())
		return nil, err
	case !resp.Success:
		b.coord.HandleAgentError(msg.RecipientID, resp.Error)
	default:
		b.coord.AgentResponseReceived(msg.RecipientID, resp.Result)
	}
	return resp, nil
}

func (b *Bridge) notify(ctx context.Context, msg QueuedMessage) error {
	payload := map[string]interface{}{
		"message_type": msg.Type,
		"sender_id":    msg.SenderID,
		"content":      msg.Content,
	}
	metadata := map[string]interface{}{
		"coordinator": b.coord.Name(),
		"seq":         msg.Seq,
	}
	if err := b.messenger.SendNotification(ctx, msg.RecipientID, payload, metadata); err != nil {
		b.logger.Warn("delivery failed", map[string]interface{}{
			"recipient": msg.RecipientID,
			"type":      msg.Type,
			"error":     err.Error(),
		})
		b.coord.HandleAgentError(msg.RecipientID, err.Error())
		return err
	}
	return nil
}

func actionFromContent(content interface{}) (string, map[string]interface{}) {
	m, ok := content.(map[string]interface{})
	if !ok {
		return "", nil
	}
	action, _ := m["action_type"].(string)
	params, _ := m["parameters"].(map[string]interface{})
	return action, params
}
