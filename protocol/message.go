package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentbeats/errors"
)

// Kind identifies the shape of a message's payload.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindHeartbeat    Kind = "heartbeat"
	KindDiscovery    Kind = "discovery"
	KindCapabilities Kind = "capabilities"
)

var kinds = map[Kind]struct{}{
	KindRequest:      {},
	KindResponse:     {},
	KindNotification: {},
	KindHeartbeat:    {},
	KindDiscovery:    {},
	KindCapabilities: {},
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", errors.Protocol("unknown message kind: " + s)
	}
	return k, nil
}

// Envelope holds the identity and routing fields shared by every message.
type Envelope struct {
	ID         string
	SenderID   string
	ReceiverID string
	Timestamp  time.Time
	Metadata   map[string]interface{}
}

func newEnvelope(sender, receiver string) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		SenderID:   sender,
		ReceiverID: receiver,
		Timestamp:  time.Now().UTC(),
		Metadata:   map[string]interface{}{},
	}
}

// Message is the generic A2A envelope. Its kind is fixed at construction.
type Message struct {
	Envelope
	kind    Kind
	Payload map[string]interface{}
}

// NewMessage creates a message of the given kind with a fresh ID and timestamp.
func NewMessage(kind Kind, sender, receiver string, payload map[string]interface{}) *Message {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Message{
		Envelope: newEnvelope(sender, receiver),
		kind:     kind,
		Payload:  payload,
	}
}

// NewNotification creates a notification message.
func NewNotification(sender, receiver string, payload, metadata map[string]interface{}) *Message {
	m := NewMessage(KindNotification, sender, receiver, payload)
	if metadata != nil {
		m.Metadata = metadata
	}
	return m
}

// Kind returns the message kind.
func (m *Message) Kind() Kind {
	return m.kind
}

// MetadataString returns a string metadata value, or "" if absent.
func (m *Message) MetadataString(key string) string {
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Request asks a remote agent to perform an action.
type Request struct {
	Envelope
	Action     string
	Parameters map[string]interface{}
}

// NewRequest creates a request with a fresh ID and timestamp.
func NewRequest(sender, receiver, action string, params map[string]interface{}) *Request {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &Request{
		Envelope:   newEnvelope(sender, receiver),
		Action:     action,
		Parameters: params,
	}
}

// Message returns the request as an envelope whose payload is derived
// from Action and Parameters.
func (r *Request) Message() *Message {
	params := r.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	return &Message{
		Envelope: r.Envelope,
		kind:     KindRequest,
		Payload: map[string]interface{}{
			"action":     r.Action,
			"parameters": params,
		},
	}
}

// Response answers a Request. Result is meaningful only when Success is
// true, Error only when it is false.
type Response struct {
	Envelope
	RequestID string
	Success   bool
	Result    interface{}
	Error     string
}

// NewSuccess creates a successful response correlated with req.
func NewSuccess(sender string, req *Request, result interface{}) *Response {
	return &Response{
		Envelope:  newEnvelope(sender, req.SenderID),
		RequestID: req.ID,
		Success:   true,
		Result:    result,
	}
}

// NewFailure creates a failed response correlated with req.
func NewFailure(sender string, req *Request, errText string) *Response {
	return &Response{
		Envelope:  newEnvelope(sender, req.SenderID),
		RequestID: req.ID,
		Success:   false,
		Error:     errText,
	}
}

// Message returns the response as an envelope whose payload is derived
// from the typed fields.
func (r *Response) Message() *Message {
	payload := map[string]interface{}{
		"request_id": r.RequestID,
		"success":    r.Success,
		"result":     nil,
		"error":      nil,
	}
	if r.Success {
		payload["result"] = r.Result
	} else {
		payload["error"] = r.Error
	}
	return &Message{
		Envelope: r.Envelope,
		kind:     KindResponse,
		Payload:  payload,
	}
}

// Capabilities describes an agent for discovery.
type Capabilities struct {
	AgentID          string                 `json:"agent_id" yaml:"agent_id"`
	AgentName        string                 `json:"agent_name" yaml:"agent_name"`
	Capabilities     []string               `json:"capabilities" yaml:"capabilities"`
	SupportedActions []string               `json:"supported_actions" yaml:"supported_actions"`
	Metadata         map[string]interface{} `json:"metadata" yaml:"metadata"`
}

// HasCapability reports whether tag is advertised.
func (c Capabilities) HasCapability(tag string) bool {
	return contains(c.Capabilities, tag)
}

// SupportsAction reports whether action is advertised.
func (c Capabilities) SupportsAction(action string) bool {
	return contains(c.SupportedActions, action)
}

// Message wraps the advertisement in a capabilities-kind envelope.
func (c Capabilities) Message(receiver string) *Message {
	return NewMessage(KindCapabilities, c.AgentID, receiver, c.toMap())
}

func (c Capabilities) toMap() map[string]interface{} {
	caps := make([]interface{}, len(c.Capabilities))
	for i, s := range c.Capabilities {
		caps[i] = s
	}
	actions := make([]interface{}, len(c.SupportedActions))
	for i, s := range c.SupportedActions {
		actions[i] = s
	}
	md := c.Metadata
	if md == nil {
		md = map[string]interface{}{}
	}
	return map[string]interface{}{
		"agent_id":          c.AgentID,
		"agent_name":        c.AgentName,
		"capabilities":      caps,
		"supported_actions": actions,
		"metadata":          md,
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
