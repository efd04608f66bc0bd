package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbeats/bus"
	"github.com/vinayprograms/agentbeats/logging"
)

// Sender announces one agent's liveness on the bus: a beat on Start, one
// per interval after that, and a final draining beat on shutdown so
// monitors see the agent leave before its timeout expires.
type Sender struct {
	bus      bus.MessageBus
	agentID  string
	interval time.Duration
	probe    Probe
	logger   *logging.Logger

	mu       sync.RWMutex
	status   string
	load     float64
	metadata map[string]string

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSender creates a sender; it publishes nothing until Start.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.InitialStatus == "" {
		cfg.InitialStatus = d.InitialStatus
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	return &Sender{
		bus:      cfg.Bus,
		agentID:  cfg.AgentID,
		interval: cfg.Interval,
		probe:    cfg.Probe,
		logger:   cfg.Logger.WithComponent("heartbeat"),
		status:   cfg.InitialStatus,
		metadata: map[string]string{},
	}, nil
}

// Start beats once immediately, then every interval until Stop or until
// ctx is done.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.publish(s.Current())

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.publish(s.Current())
			}
		}
	}()
	return nil
}

func (s *Sender) publish(hb *Heartbeat) {
	data, err := hb.Marshal()
	if err == nil {
		err = s.bus.Publish(hb.Subject(), data)
	}
	if err != nil {
		s.logger.Warn("heartbeat publish failed", map[string]interface{}{
			"agent_id": s.agentID,
			"status":   hb.Status,
			"error":    err.Error(),
		})
	}
}

// Current returns the heartbeat the next beat would carry.
func (s *Sender) Current() *Heartbeat {
	s.mu.RLock()
	hb := &Heartbeat{
		AgentID:   s.agentID,
		Timestamp: time.Now(),
		Status:    s.status,
		Load:      s.load,
	}
	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}
	s.mu.RUnlock()

	if s.probe != nil {
		hb.Status, hb.Load = s.probe()
		hb.Load = clampLoad(hb.Load)
	}
	return hb
}

func clampLoad(load float64) float64 {
	switch {
	case load < 0:
		return 0
	case load > 1:
		return 1
	}
	return load
}

func (s *Sender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetLoad sets the load carried in beats, clamped to [0, 1].
func (s *Sender) SetLoad(load float64) {
	s.mu.Lock()
	s.load = clampLoad(load)
	s.mu.Unlock()
}

func (s *Sender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Stop ends the beat loop without announcing anything.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stop)
	<-s.done
	return nil
}

// OnShutdown stops the loop and publishes a draining beat. A sender that
// is not running is left alone.
func (s *Sender) OnShutdown(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		if err == ErrNotStarted {
			return nil
		}
		return err
	}
	hb := s.Current()
	hb.Status = StatusDraining
	s.publish(hb)
	return nil
}

func (s *Sender) AgentID() string {
	return s.agentID
}
