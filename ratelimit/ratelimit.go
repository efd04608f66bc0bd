package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// SubjectCapacity carries CapacityUpdate broadcasts.
const SubjectCapacity = "ratelimit.capacity"

// Limiter hands out tokens per key.
type Limiter interface {
	// Acquire blocks until a token for key is available or ctx ends.
	// Returns ErrResourceUnknown if key has no capacity and no default
	// is configured.
	Acquire(ctx context.Context, key string) error

	// TryAcquire takes a token if one is available.
	TryAcquire(key string) bool

	// SetCapacity allows capacity tokens per window for key. A
	// non-positive capacity or window removes the limit.
	SetCapacity(key string, capacity int, window time.Duration)

	// Reduce lowers key's capacity after the resource pushed back.
	Reduce(key, reason string)

	// Capacity returns a snapshot for key, or nil if key is unknown.
	Capacity(key string) *Capacity

	// Close releases the limiter and fails pending Acquire calls.
	Close() error
}

// Capacity is a snapshot of one bucket.
type Capacity struct {
	Key       string
	Available int
	Total     int
	Window    time.Duration
}

// CapacityUpdate is broadcast when an agent reduces a shared capacity.
type CapacityUpdate struct {
	Key         string    `json:"key"`
	AgentID     string    `json:"agent_id"`
	NewCapacity int       `json:"new_capacity"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}
