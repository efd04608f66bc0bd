package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentbeats/errors"
)

// wireMessage is the JSON form exchanged between agents.
type wireMessage struct {
	MessageID   string                 `json:"message_id"`
	MessageType string                 `json:"message_type"`
	SenderID    string                 `json:"sender_id"`
	ReceiverID  *string                `json:"receiver_id"`
	Timestamp   string                 `json:"timestamp"`
	Payload     map[string]interface{} `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata"`

	// Some peers flatten the correlation field onto the envelope.
	RequestID string `json:"request_id,omitempty"`
}

// Timestamps without a zone are accepted and read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Protocol("invalid timestamp: " + s)
}

func toWire(m *Message) wireMessage {
	w := wireMessage{
		MessageID:   m.ID,
		MessageType: string(m.kind),
		SenderID:    m.SenderID,
		Timestamp:   formatTimestamp(m.Timestamp),
		Payload:     m.Payload,
		Metadata:    m.Metadata,
	}
	if m.ReceiverID != "" {
		receiver := m.ReceiverID
		w.ReceiverID = &receiver
	}
	if w.Payload == nil {
		w.Payload = map[string]interface{}{}
	}
	if w.Metadata == nil {
		w.Metadata = map[string]interface{}{}
	}
	return w
}

// Encode serializes a message to its wire form.
func Encode(m *Message) ([]byte, error) {
	if !m.kind.Valid() {
		return nil, errors.Protocol("cannot encode message with kind " + string(m.kind))
	}
	return json.Marshal(toWire(m))
}

// Decode parses a wire message. A missing message_id or timestamp is
// generated; a missing message_type defaults to request.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeProtocol, "malformed message")
	}
	return fromWire(w)
}

func fromWire(w wireMessage) (*Message, error) {
	kindStr := w.MessageType
	if kindStr == "" {
		kindStr = string(KindRequest)
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return nil, err
	}

	m := &Message{
		kind:    kind,
		Payload: w.Payload,
	}
	m.ID = w.MessageID
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.SenderID = w.SenderID
	if w.ReceiverID != nil {
		m.ReceiverID = *w.ReceiverID
	}
	if w.Timestamp == "" {
		m.Timestamp = time.Now().UTC()
	} else if m.Timestamp, err = parseTimestamp(w.Timestamp); err != nil {
		return nil, err
	}
	m.Metadata = w.Metadata
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
	if m.Payload == nil {
		m.Payload = map[string]interface{}{}
	}
	if kind == KindResponse && w.RequestID != "" {
		if _, ok := m.Payload["request_id"]; !ok {
			m.Payload["request_id"] = w.RequestID
		}
	}
	return m, nil
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	return Encode(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r *Request) MarshalJSON() ([]byte, error) {
	return Encode(r.Message())
}

// MarshalJSON implements json.Marshaler.
func (r *Response) MarshalJSON() ([]byte, error) {
	return Encode(r.Message())
}

// AsRequest derives the typed request view of a request-kind message.
func AsRequest(m *Message) (*Request, error) {
	if m.kind != KindRequest {
		return nil, errors.Protocol("expected request, got " + string(m.kind))
	}
	action, _ := m.Payload["action"].(string)
	params, _ := m.Payload["parameters"].(map[string]interface{})
	if params == nil {
		params = map[string]interface{}{}
	}
	return &Request{
		Envelope:   m.Envelope,
		Action:     action,
		Parameters: params,
	}, nil
}

// AsResponse derives the typed response view of a response-kind message.
func AsResponse(m *Message) (*Response, error) {
	if m.kind != KindResponse {
		return nil, errors.Protocol("expected response, got " + string(m.kind))
	}
	r := &Response{Envelope: m.Envelope}
	r.RequestID, _ = m.Payload["request_id"].(string)
	r.Success, _ = m.Payload["success"].(bool)
	if r.Success {
		r.Result = m.Payload["result"]
	} else {
		r.Error, _ = m.Payload["error"].(string)
	}
	return r, nil
}

// DecodeResponse decodes wire bytes that must hold a response.
func DecodeResponse(data []byte) (*Response, error) {
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return AsResponse(m)
}

// CapabilitiesFrom reads an advertisement out of a capabilities message.
func CapabilitiesFrom(m *Message) (Capabilities, error) {
	var caps Capabilities
	if m.kind != KindCapabilities {
		return caps, errors.Protocol("expected capabilities, got " + string(m.kind))
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return caps, errors.WrapWithCode(err, errors.ErrCodeProtocol, "encoding capabilities payload")
	}
	if err := json.Unmarshal(data, &caps); err != nil {
		return caps, errors.WrapWithCode(err, errors.ErrCodeProtocol, "malformed capabilities payload")
	}
	return caps, nil
}
