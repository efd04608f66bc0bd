package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentbeats/bus"
	"github.com/vinayprograms/agentbeats/logging"
)

// Monitor tracks heartbeats from all agents and reports the silent ones.
type Monitor struct {
	bus           bus.MessageBus
	timeout       time.Duration
	checkInterval time.Duration
	logger        *logging.Logger

	mu       sync.RWMutex
	lastSeen map[string]seen
	reported map[string]bool
	deadCBs  []func(string)
	aliveCBs []func(*Heartbeat)
	running  bool

	sub    bus.Subscription
	stopCh chan struct{}
	doneCh chan struct{}
}

type seen struct {
	hb         *Heartbeat
	receivedAt time.Time
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultMonitorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	return &Monitor{
		bus:           cfg.Bus,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		logger:        cfg.Logger.WithComponent("heartbeat-monitor"),
		lastSeen:      make(map[string]seen),
		reported:      make(map[string]bool),
	}, nil
}

// Start subscribes to all heartbeats and begins dead-agent sweeps.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyStarted
	}
	sub, err := m.bus.Subscribe(wildcard)
	if err != nil {
		return err
	}

	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.running = true

	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			hb, err := Unmarshal(msg.Subject, msg.Data)
			if err != nil {
				m.logger.Debug("ignoring malformed heartbeat", map[string]interface{}{"subject": msg.Subject})
				continue
			}
			m.Observe(hb)
		case <-ticker.C:
			m.CheckDead()
		}
	}
}

// Observe records hb as received now. Start calls it for every heartbeat
// on the bus; it is exported for agents that learn of liveness some other
// way. A draining heartbeat is a departure: dead callbacks run at once and
// the agent is no longer alive.
func (m *Monitor) Observe(hb *Heartbeat) {
	if hb.Status == StatusDraining {
		m.depart(hb)
		return
	}

	m.mu.Lock()
	m.lastSeen[hb.AgentID] = seen{hb: hb, receivedAt: time.Now()}
	delete(m.reported, hb.AgentID)
	callbacks := append([]func(*Heartbeat){}, m.aliveCBs...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(hb)
	}
}

func (m *Monitor) depart(hb *Heartbeat) {
	m.mu.Lock()
	// backdate so IsAlive and Alive drop the agent immediately
	m.lastSeen[hb.AgentID] = seen{hb: hb, receivedAt: time.Now().Add(-m.timeout - time.Nanosecond)}
	already := m.reported[hb.AgentID]
	m.reported[hb.AgentID] = true
	callbacks := append([]func(string){}, m.deadCBs...)
	m.mu.Unlock()

	if already {
		return
	}
	m.logger.Info("agent draining", map[string]interface{}{"agent_id": hb.AgentID})
	for _, cb := range callbacks {
		cb(hb.AgentID)
	}
}

// CheckDead reports agents whose last heartbeat is older than the timeout.
// Each outage is reported once.
func (m *Monitor) CheckDead() {
	now := time.Now()
	var dead []string

	m.mu.Lock()
	for agentID, s := range m.lastSeen {
		if now.Sub(s.receivedAt) > m.timeout && !m.reported[agentID] {
			m.reported[agentID] = true
			dead = append(dead, agentID)
		}
	}
	callbacks := append([]func(string){}, m.deadCBs...)
	m.mu.Unlock()

	sort.Strings(dead)
	for _, agentID := range dead {
		m.logger.Warn("agent presumed dead", map[string]interface{}{
			"agent_id": agentID,
			"timeout":  m.timeout.String(),
		})
		for _, cb := range callbacks {
			cb(agentID)
		}
	}
}

// IsAlive reports whether agentID has been heard from within the timeout.
func (m *Monitor) IsAlive(agentID string) bool {
	m.mu.RLock()
	s, ok := m.lastSeen[agentID]
	m.mu.RUnlock()
	return ok && time.Since(s.receivedAt) <= m.timeout
}

// Alive returns the IDs of live agents, sorted.
func (m *Monitor) Alive() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := []string{}
	for id, s := range m.lastSeen {
		if time.Since(s.receivedAt) <= m.timeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LastHeartbeat returns the last heartbeat from an agent, if any.
func (m *Monitor) LastHeartbeat(agentID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[agentID].hb
}

// OnDead registers a callback for agents presumed dead.
func (m *Monitor) OnDead(callback func(agentID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// OnAlive registers a callback run for every observed heartbeat.
func (m *Monitor) OnAlive(callback func(hb *Heartbeat)) {
	m.mu.Lock()
	m.aliveCBs = append(m.aliveCBs, callback)
	m.mu.Unlock()
}

// Forget drops all state about agentID.
func (m *Monitor) Forget(agentID string) {
	m.mu.Lock()
	delete(m.lastSeen, agentID)
	delete(m.reported, agentID)
	m.mu.Unlock()
}

// Stop unsubscribes and ends the sweep loop.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.running = false
	sub := m.sub
	m.mu.Unlock()

	sub.Unsubscribe()
	close(m.stopCh)
	<-m.doneCh
	return nil
}

// OnShutdown stops the monitor as part of graceful shutdown.
func (m *Monitor) OnShutdown(ctx context.Context) error {
	if err := m.Stop(); err != nil && err != ErrNotStarted {
		return err
	}
	return nil
}
