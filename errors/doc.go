// Package errors provides the structured error taxonomy used across
// agentbeats. Transports, runtimes and the directory return *Error values
// carrying a code, a category and optional peer/request context.
//
// # A2A Codes
//
//   - PROTOCOL: a message could not be decoded or has an unknown kind
//   - NO_TRANSPORT: a runtime operation needs a transport that is not bound
//   - UNREACHABLE: the transport can prove the receiver has no route
//   - TIMEOUT: no correlated response arrived before the deadline
//   - TRANSPORT: the underlying connection failed
//   - UNKNOWN_ACTION: a request named an action with no handler
//   - HANDLER_FAILED: an action handler returned an error or panicked
//
// UNKNOWN_ACTION and HANDLER_FAILED never escape the runtime; they are
// converted into failure responses whose error text is the message of the
// corresponding *Error.
//
// # Usage
//
//	resp, err := rt.SendRequest(ctx, "solver", "solve", params, 5*time.Second)
//	switch {
//	case errors.Is(err, errors.ErrCodeTimeout):
//	    // no answer within the deadline
//	case err != nil:
//	    // no answer could be obtained
//	case !resp.Success:
//	    // the answer is a reported failure: resp.Error
//	}
//
// # JSON Serialization
//
// Errors marshal to JSON so they can travel inside message metadata:
//
//	data, err := json.Marshal(agentErr)
package errors
