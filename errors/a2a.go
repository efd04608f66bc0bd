package errors

import "fmt"

// Constructors for the failures an A2A exchange can hit. Those that name a
// peer set AgentID so callers can report who went silent.

func Protocol(message string, opts ...Option) *Error {
	return New(ErrCodeProtocol, message, opts...)
}

// NoTransport is returned by a runtime that was asked to send before a
// transport was bound.
func NoTransport(agentID string) *Error {
	return New(ErrCodeNoTransport, "no transport configured", WithAgentID(agentID))
}

func Unreachable(receiverID string, opts ...Option) *Error {
	return New(ErrCodeUnreachable, "agent "+receiverID+" is not reachable",
		append(opts, WithAgentID(receiverID))...)
}

func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

func Transport(message string, cause error, opts ...Option) *Error {
	return New(ErrCodeTransport, message, append(opts, WithCause(cause))...)
}

// UnknownAction's message is the exact text of the failure response.
func UnknownAction(action string, opts ...Option) *Error {
	return New(ErrCodeUnknownAction, "Unknown action: "+action, opts...)
}

func HandlerFailed(action string, cause error, opts ...Option) *Error {
	return New(ErrCodeHandlerFailed, fmt.Sprintf("handler for %s failed", action),
		append(opts, WithCause(cause), WithMetadata("action", action))...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
