package directory

import (
	"sync"
	"time"

	"github.com/vinayprograms/agentbeats/protocol"
)

// Memory is an in-memory Directory.
// Suitable for testing and single-process deployments.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]Entry
	watchers []chan Event
	closed   bool

	// TTL for stale entry detection. Zero means no expiry.
	ttl  time.Duration
	stop chan struct{}
}

// MemoryConfig configures the in-memory directory.
type MemoryConfig struct {
	// TTL specifies how long after its last registration an agent is
	// considered gone. Zero means entries never expire.
	TTL time.Duration
}

// NewMemory creates an in-memory directory.
func NewMemory(cfg MemoryConfig) *Memory {
	d := &Memory{
		agents: make(map[string]Entry),
		ttl:    cfg.TTL,
		stop:   make(chan struct{}),
	}
	if cfg.TTL > 0 {
		go d.cleanupLoop()
	}
	return d
}

// Register adds or replaces an agent.
func (d *Memory) Register(agentID string, caps protocol.Capabilities, endpoint string) error {
	if agentID == "" {
		return ErrInvalidID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	entry := newEntry(agentID, caps, endpoint)
	_, exists := d.agents[agentID]
	d.agents[agentID] = entry

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	d.notifyWatchers(Event{Type: eventType, Entry: entry})
	return nil
}

// Unregister removes an agent. Unknown IDs are ignored.
func (d *Memory) Unregister(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	entry, exists := d.agents[agentID]
	if !exists {
		return nil
	}
	delete(d.agents, agentID)
	d.notifyWatchers(Event{Type: EventRemoved, Entry: entry})
	return nil
}

// Get retrieves an agent by ID.
func (d *Memory) Get(agentID string) (*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrClosed
	}
	entry, ok := d.agents[agentID]
	if !ok || d.stale(entry, time.Now()) {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// FindByCapability returns IDs of agents advertising tag, sorted.
func (d *Memory) FindByCapability(tag string) ([]string, error) {
	entries, err := d.List()
	if err != nil {
		return nil, err
	}
	return matchIDs(entries, func(e Entry) bool { return e.Capabilities.HasCapability(tag) }), nil
}

// FindByAction returns IDs of agents supporting action, sorted.
func (d *Memory) FindByAction(action string) ([]string, error) {
	entries, err := d.List()
	if err != nil {
		return nil, err
	}
	return matchIDs(entries, func(e Entry) bool { return e.Capabilities.SupportsAction(action) }), nil
}

// GetEndpoint returns the endpoint recorded for agentID.
func (d *Memory) GetEndpoint(agentID string) (string, bool) {
	entry, err := d.Get(agentID)
	if err != nil {
		return "", false
	}
	return entry.Endpoint, true
}

// List returns all live entries sorted by ID.
func (d *Memory) List() ([]Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	entries := make([]Entry, 0, len(d.agents))
	for _, e := range d.agents {
		if !d.stale(e, now) {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)
	return entries, nil
}

// Watch returns a channel of directory events.
func (d *Memory) Watch() (<-chan Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, 64)
	d.watchers = append(d.watchers, ch)
	return ch, nil
}

// Close shuts down the directory.
func (d *Memory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	close(d.stop)

	for _, ch := range d.watchers {
		close(ch)
	}
	d.watchers = nil
	return nil
}

func (d *Memory) stale(e Entry, now time.Time) bool {
	return d.ttl > 0 && now.Sub(e.LastSeen) > d.ttl
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (d *Memory) notifyWatchers(event Event) {
	for _, ch := range d.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// cleanupLoop periodically removes stale entries.
func (d *Memory) cleanupLoop() {
	ticker := time.NewTicker(d.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		now := time.Now()
		for id, e := range d.agents {
			if d.stale(e, now) {
				delete(d.agents, id)
				d.notifyWatchers(Event{Type: EventRemoved, Entry: e})
			}
		}
		d.mu.Unlock()
	}
}
