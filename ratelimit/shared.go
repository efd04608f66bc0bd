package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/agentbeats/bus"
	"github.com/vinayprograms/agentbeats/logging"
)

// SharedConfig configures a SharedLimiter.
type SharedConfig struct {
	// Bus carries capacity updates. Required.
	Bus bus.MessageBus

	// AgentID identifies this agent's broadcasts. Required.
	AgentID string

	// ReduceFactor multiplies capacity on Reduce.
	// Default: 0.5
	ReduceFactor float64

	// RecoveryInterval is the quiet period before capacity grows again,
	// and the period between growth steps.
	// Default: 30 seconds
	RecoveryInterval time.Duration

	// RecoveryFactor multiplies capacity on each recovery step, up to the
	// capacity given to SetCapacity.
	// Default: 1.1
	RecoveryFactor float64

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SharedConfig) Validate() error {
	if c.Bus == nil || c.AgentID == "" {
		return ErrInvalidConfig
	}
	if c.ReduceFactor < 0 || c.ReduceFactor >= 1 || c.RecoveryFactor < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSharedConfig returns configuration with sensible defaults.
func DefaultSharedConfig() SharedConfig {
	return SharedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
	}
}

type sharedKey struct {
	original    int
	window      time.Duration
	lastReduced time.Time
}

// SharedLimiter is a MemoryLimiter whose reductions are broadcast to, and
// received from, every agent on the bus. Reduced capacity recovers
// gradually once no agent has reduced it for RecoveryInterval.
type SharedLimiter struct {
	*MemoryLimiter

	config SharedConfig
	logger *logging.Logger

	mu       sync.Mutex
	keys     map[string]*sharedKey
	onUpdate func(CapacityUpdate)

	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSharedLimiter subscribes to capacity updates and starts recovery.
func NewSharedLimiter(cfg SharedConfig) (*SharedLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := DefaultSharedConfig()
	if cfg.ReduceFactor == 0 {
		cfg.ReduceFactor = d.ReduceFactor
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = d.RecoveryInterval
	}
	if cfg.RecoveryFactor <= 1 {
		cfg.RecoveryFactor = d.RecoveryFactor
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("ratelimit")
	}

	sub, err := cfg.Bus.Subscribe(SubjectCapacity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SharedLimiter{
		MemoryLimiter: NewMemoryLimiter(),
		config:        cfg,
		logger:        cfg.Logger,
		keys:          make(map[string]*sharedKey),
		sub:           sub,
		cancel:        cancel,
	}

	s.wg.Add(2)
	go s.listen()
	go s.recover(ctx)
	return s, nil
}

// OnUpdate registers fn to observe updates from other agents.
func (s *SharedLimiter) OnUpdate(fn func(CapacityUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// SetCapacity implements Limiter and records capacity as the ceiling for
// recovery.
func (s *SharedLimiter) SetCapacity(key string, capacity int, window time.Duration) {
	s.mu.Lock()
	if capacity <= 0 || window <= 0 {
		delete(s.keys, key)
	} else {
		s.keys[key] = &sharedKey{original: capacity, window: window}
	}
	s.mu.Unlock()
	s.MemoryLimiter.SetCapacity(key, capacity, window)
}

// Reduce implements Limiter. The new capacity is applied locally and
// broadcast to the other agents.
func (s *SharedLimiter) Reduce(key, reason string) {
	current := s.MemoryLimiter.Capacity(key)
	if current == nil {
		return
	}
	capacity := reducedCapacity(current.Total, s.config.ReduceFactor)

	s.mu.Lock()
	if k, ok := s.keys[key]; ok {
		k.lastReduced = time.Now()
	}
	s.mu.Unlock()
	s.MemoryLimiter.SetCapacity(key, capacity, current.Window)

	data, err := json.Marshal(CapacityUpdate{
		Key:         key,
		AgentID:     s.config.AgentID,
		NewCapacity: capacity,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return
	}
	if err := s.config.Bus.Publish(SubjectCapacity, data); err != nil {
		s.logger.Warn("capacity broadcast failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

func (s *SharedLimiter) listen() {
	defer s.wg.Done()
	for msg := range s.sub.Messages() {
		var update CapacityUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			s.logger.Debug("ignoring malformed capacity update", map[string]interface{}{"error": err.Error()})
			continue
		}
		if update.AgentID == s.config.AgentID {
			continue
		}
		s.apply(update)
	}
}

// apply lowers a known key to the announced capacity. Increases are
// ignored; only recovery raises capacity.
func (s *SharedLimiter) apply(update CapacityUpdate) {
	s.mu.Lock()
	k, ok := s.keys[update.Key]
	var window time.Duration
	if ok {
		k.lastReduced = time.Now()
		window = k.window
	}
	fn := s.onUpdate
	s.mu.Unlock()

	if ok {
		if current := s.MemoryLimiter.Capacity(update.Key); current != nil && update.NewCapacity < current.Total {
			s.MemoryLimiter.SetCapacity(update.Key, update.NewCapacity, window)
		}
	}
	if fn != nil {
		fn(update)
	}
}

func (s *SharedLimiter) recover(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverOnce(time.Now())
		}
	}
}

// recoverOnce grows every reduced key that has been quiet long enough.
func (s *SharedLimiter) recoverOnce(now time.Time) {
	s.mu.Lock()
	type step struct {
		key      string
		capacity int
		window   time.Duration
	}
	var steps []step
	for key, k := range s.keys {
		if k.lastReduced.IsZero() || now.Sub(k.lastReduced) < s.config.RecoveryInterval {
			continue
		}
		current := s.MemoryLimiter.Capacity(key)
		if current == nil || current.Total >= k.original {
			k.lastReduced = time.Time{}
			continue
		}
		capacity := int(float64(current.Total) * s.config.RecoveryFactor)
		if capacity <= current.Total {
			capacity = current.Total + 1
		}
		if capacity >= k.original {
			capacity = k.original
			k.lastReduced = time.Time{}
		}
		steps = append(steps, step{key, capacity, k.window})
	}
	s.mu.Unlock()

	for _, st := range steps {
		s.MemoryLimiter.SetCapacity(st.key, st.capacity, st.window)
	}
}

// Close implements Limiter.
func (s *SharedLimiter) Close() error {
	s.cancel()
	s.sub.Unsubscribe()
	s.wg.Wait()
	return s.MemoryLimiter.Close()
}

var _ Limiter = (*SharedLimiter)(nil)
