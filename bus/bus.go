// Package bus provides message bus clients used by the bus transport and
// the heartbeat subsystem.
//
// The MessageBus interface enables pub/sub and request/reply over NATS or an
// in-process implementation. Subscriptions are channel-based.
package bus

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Reply is the reply subject for request/reply.
	// Empty for regular pub/sub messages.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription. Subjects may contain the NATS
	// wildcards "*" (one token) and ">" (remaining tokens).
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply.
	// Returns ErrNoResponders when nobody is subscribed and ErrTimeout if no
	// reply arrives within timeout.
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// The channel is closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" || strings.HasPrefix(subject, ".") || strings.HasSuffix(subject, ".") ||
		strings.Contains(subject, "..") || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	return nil
}

// Respond publishes data to the reply subject of msg.
func Respond(b MessageBus, msg *Message, data []byte) error {
	if msg.Reply == "" {
		return ErrInvalidSubject
	}
	return b.Publish(msg.Reply, data)
}

// --- A2A subjects ---

// MessageSubject is where fire-and-forget messages for agentID are published.
func MessageSubject(agentID string) string {
	return "a2a." + agentID + ".message"
}

// RequestSubject is where requests for agentID are sent.
func RequestSubject(agentID string) string {
	return "a2a." + agentID + ".request"
}

// HeartbeatSubject is where agentID publishes liveness.
func HeartbeatSubject(agentID string) string {
	return "heartbeat." + agentID
}

// MatchSubject reports whether subject matches pattern using NATS
// token rules.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
