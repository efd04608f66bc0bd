package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket refills continuously at capacity/window.
type bucket struct {
	capacity   int
	window     time.Duration
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(b.capacity) * float64(elapsed) / float64(b.window)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// wait returns how long until one token is available.
func (b *bucket) wait() time.Duration {
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(b.window) / float64(b.capacity))
}

// MemoryLimiter is a process-local Limiter. It is safe for concurrent use.
type MemoryLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	defaultCap    int
	defaultWindow time.Duration
	closed        chan struct{}
	now           func() time.Time
}

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		closed:  make(chan struct{}),
		now:     time.Now,
	}
}

// SetDefault gives every key without its own capacity a bucket of
// capacity tokens per window, created on first use. Per-sender admission
// relies on this since senders are not known in advance.
func (m *MemoryLimiter) SetDefault(capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if capacity <= 0 || window <= 0 {
		m.defaultCap, m.defaultWindow = 0, 0
		return
	}
	m.defaultCap, m.defaultWindow = capacity, window
}

// SetCapacity implements Limiter. Lowering capacity clamps the tokens
// already available; raising it does not add any.
func (m *MemoryLimiter) SetCapacity(key string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if capacity <= 0 || window <= 0 {
		delete(m.buckets, key)
		return
	}
	if b, ok := m.buckets[key]; ok {
		b.refill(m.now())
		b.capacity, b.window = capacity, window
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
		return
	}
	m.buckets[key] = &bucket{capacity: capacity, window: window, tokens: float64(capacity), lastRefill: m.now()}
}

// bucketFor must be called with mu held.
func (m *MemoryLimiter) bucketFor(key string) *bucket {
	if b, ok := m.buckets[key]; ok {
		return b
	}
	if m.defaultCap == 0 {
		return nil
	}
	b := &bucket{capacity: m.defaultCap, window: m.defaultWindow, tokens: float64(m.defaultCap), lastRefill: m.now()}
	m.buckets[key] = b
	return b
}

// take returns (true, 0) when a token was taken, otherwise the time to
// wait before trying again.
func (m *MemoryLimiter) take(key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
		return false, 0, ErrClosed
	default:
	}
	b := m.bucketFor(key)
	if b == nil {
		return false, 0, ErrResourceUnknown
	}
	b.refill(m.now())
	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	return false, b.wait(), nil
}

// Acquire implements Limiter.
func (m *MemoryLimiter) Acquire(ctx context.Context, key string) error {
	for {
		ok, wait, err := m.take(key)
		if err != nil || ok {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.closed:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// TryAcquire implements Limiter.
func (m *MemoryLimiter) TryAcquire(key string) bool {
	ok, _, _ := m.take(key)
	return ok
}

// Reduce implements Limiter by cutting key's capacity to three quarters.
func (m *MemoryLimiter) Reduce(key, reason string) {
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	capacity, window := reducedCapacity(b.capacity, 0.75), b.window
	m.mu.Unlock()
	m.SetCapacity(key, capacity, window)
}

// Capacity implements Limiter.
func (m *MemoryLimiter) Capacity(key string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return nil
	}
	b.refill(m.now())
	return &Capacity{Key: key, Available: int(b.tokens), Total: b.capacity, Window: b.window}
}

// Close implements Limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
		return ErrClosed
	default:
		close(m.closed)
		return nil
	}
}

func reducedCapacity(capacity int, factor float64) int {
	n := int(float64(capacity) * factor)
	if n < 1 {
		n = 1
	}
	return n
}

var _ Limiter = (*MemoryLimiter)(nil)
