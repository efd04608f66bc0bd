package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error is a coded failure raised by the runtime, a transport or a
// coordinator. The agent and request ids tie it to the exchange it broke.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable bool
	timestamp time.Time
	agentID   string
	requestID string
}

// Option configures an Error at construction.
type Option func(*Error)

// New creates an Error. Category and retryability follow from code; an
// empty message takes the code's description.
func New(code ErrorCode, message string, opts ...Option) *Error {
	if message == "" {
		message = code.Description()
	}
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		retryable: code.DefaultRetryable(),
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithMetadata attaches a key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithAgentID names the peer the failure concerns.
func WithAgentID(id string) Option {
	return func(e *Error) { e.agentID = id }
}

// WithRequestID ties the failure to a request.
func WithRequestID(id string) Option {
	return func(e *Error) { e.requestID = id }
}

// WithCause records the underlying error.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

// Message returns the text without the cause chain. Failure responses
// carry this text.
func (e *Error) Message() string { return e.message }
func (e *Error) Code() ErrorCode { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Retryable() bool { return e.retryable }
func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Timestamp() time.Time { return e.timestamp }
func (e *Error) AgentID() string { return e.agentID }
func (e *Error) RequestID() string { return e.requestID }

// Metadata returns a copy of the attached pairs; never nil.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// wireError is the JSON form. The cause travels as text only.
type wireError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.retryable,
		AgentID:   e.agentID,
		RequestID: e.requestID,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		ts := e.timestamp
		w.Timestamp = &ts
	}
	return json.Marshal(w)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Error{
		code:      w.Code,
		category:  w.Category,
		message:   w.Message,
		metadata:  w.Metadata,
		retryable: w.Retryable,
		agentID:   w.AgentID,
		requestID: w.RequestID,
	}
	if w.Cause != "" {
		e.cause = remoteCause(w.Cause)
	}
	if w.Timestamp != nil {
		e.timestamp = *w.Timestamp
	}
	return nil
}

// remoteCause is a cause decoded from JSON; only its text survives.
type remoteCause string

func (r remoteCause) Error() string { return string(r) }
