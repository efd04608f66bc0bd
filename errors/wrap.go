package errors

import (
	"context"
	"errors"
	"fmt"
)

// as returns the outermost *Error in err's chain.
func as(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Wrap adds context to err and returns nil for a nil err. An *Error in the
// chain lends its code, retry flag and correlation ids to the wrapper.
// Context deadline and cancellation become TIMEOUT and CANCELED; any other
// error is INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	if inner, ok := as(err); ok {
		wrapped := &Error{
			code:      inner.code,
			category:  inner.category,
			message:   message,
			cause:     err,
			metadata:  inner.Metadata(),
			retryable: inner.retryable,
			timestamp: inner.timestamp,
			agentID:   inner.agentID,
			requestID: inner.requestID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}
	return New(contextCode(err), message, append(opts, WithCause(err))...)
}

func contextCode(err error) ErrorCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return ErrCodeCanceled
	default:
		return ErrCodeInternal
	}
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// Is reports whether the outermost *Error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	e, ok := as(err)
	return ok && e.code == code
}

// Code returns the code of the outermost *Error in err's chain, or "".
func Code(err error) ErrorCode {
	if e, ok := as(err); ok {
		return e.code
	}
	return ""
}

// IsRetryable reports whether err may succeed if sent again. Errors
// without a code never are.
func IsRetryable(err error) bool {
	e, ok := as(err)
	return ok && e.Retryable()
}

// NoAnswer reports whether err means a request never got a response:
// no transport, no route, a broken connection, or the deadline passing.
// A handler failure on the receiving side arrives as a Response instead.
func NoAnswer(err error) bool {
	switch Code(err) {
	case ErrCodeNoTransport, ErrCodeUnreachable, ErrCodeTransport,
		ErrCodeTimeout, ErrCodeCanceled, ErrCodeAgentOffline:
		return true
	}
	return false
}

// Join combines errs, dropping nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic turns a recovered value into a PANIC error. It returns nil
// when nothing was recovered.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	message := fmt.Sprint(recovered)
	if err, ok := recovered.(error); ok {
		message = err.Error()
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
