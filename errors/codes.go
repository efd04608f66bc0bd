package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request timeouts, dropped peer connections.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed messages, unknown receivers, missing transport.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or quota issues.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for A2A messaging and coordination.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // No correlated response before the deadline
	ErrCodeTransport   ErrorCode = "TRANSPORT"   // Underlying connection failed
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Service temporarily unavailable

	// Permanent errors
	ErrCodeProtocol       ErrorCode = "PROTOCOL"        // Malformed message or unknown kind
	ErrCodeNoTransport    ErrorCode = "NO_TRANSPORT"    // Runtime has no bound transport
	ErrCodeUnreachable    ErrorCode = "UNREACHABLE"     // Receiver has no known route
	ErrCodeUnknownAction  ErrorCode = "UNKNOWN_ACTION"  // No handler registered for action
	ErrCodeHandlerFailed  ErrorCode = "HANDLER_FAILED"  // Action handler returned an error
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED" // Lifecycle already running
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"       // Resource does not exist
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"   // Malformed or invalid input
	ErrCodeCanceled       ErrorCode = "CANCELED"        // Operation was canceled

	// Resource errors
	ErrCodeCapacity ErrorCode = "CAPACITY" // Buffers or queues are full

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic

	// Agent-specific errors
	ErrCodeAgentOffline ErrorCode = "AGENT_OFFLINE" // Target agent stopped heartbeating
	ErrCodeCoordination ErrorCode = "COORDINATION"  // Coordinator rejected an operation
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeTransport, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeProtocol, ErrCodeNoTransport, ErrCodeUnreachable, ErrCodeUnknownAction,
		ErrCodeHandlerFailed, ErrCodeAlreadyStarted, ErrCodeNotFound, ErrCodeInvalidInput,
		ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeCapacity:
		return CategoryResource

	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	case ErrCodeAgentOffline, ErrCodeCoordination:
		return CategoryTransient

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:        "request timed out",
	ErrCodeTransport:      "transport failure",
	ErrCodeUnavailable:    "service temporarily unavailable",
	ErrCodeProtocol:       "protocol violation",
	ErrCodeNoTransport:    "no transport configured",
	ErrCodeUnreachable:    "receiver unreachable",
	ErrCodeUnknownAction:  "unknown action",
	ErrCodeHandlerFailed:  "action handler failed",
	ErrCodeAlreadyStarted: "already started",
	ErrCodeNotFound:       "resource not found",
	ErrCodeInvalidInput:   "invalid input provided",
	ErrCodeCanceled:       "operation canceled",
	ErrCodeCapacity:       "system at capacity",
	ErrCodeInternal:       "internal error",
	ErrCodePanic:          "recovered from panic",
	ErrCodeAgentOffline:   "agent is offline",
	ErrCodeCoordination:   "coordination failure",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
