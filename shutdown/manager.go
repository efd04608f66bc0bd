package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vinayprograms/agentbeats/logging"
)

// Manager runs registered handlers phase by phase.
type Manager struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  atomic.Bool
	err      error
	result   *Result
	done     chan struct{}
	signals  chan os.Signal
}

// NewManager creates a Manager.
func NewManager(config Config) *Manager {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	return &Manager{
		config:  config,
		logger:  logging.New().WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// SetLogger replaces the progress logger.
func (m *Manager) SetLogger(l *logging.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// Register adds a handler in the default phase.
func (m *Manager) Register(name string, handler ShutdownHandler) {
	m.RegisterWithPhase(name, handler, m.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in phase. Handlers registered after
// shutdown has started are not called.
func (m *Manager) RegisterWithPhase(name string, handler ShutdownHandler, phase int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers fn in phase.
func (m *Manager) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	m.RegisterWithPhase(name, ShutdownFunc(fn), phase)
}

// Shutdown runs every phase. Only the first call does the work; a call
// made while that one is running returns ErrAlreadyShutdown and later
// calls return its error.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.started.CompareAndSwap(false, true) {
		m.err = m.run(ctx)
		close(m.done)
		return m.err
	}
	select {
	case <-m.done:
		return m.err
	default:
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout calls Shutdown with a deadline. Zero uses the
// configured timeout.
func (m *Manager) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = m.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Shutdown(ctx)
}

// HandleSignals shuts down on SIGTERM or SIGINT.
func (m *Manager) HandleSignals() {
	signal.Notify(m.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-m.signals:
			m.logf("signal received", map[string]interface{}{"signal": sig.String()})
			m.ShutdownWithTimeout(0)
		case <-m.done:
		}
		signal.Stop(m.signals)
	}()
}

// Trigger simulates a signal for HandleSignals.
func (m *Manager) Trigger() {
	select {
	case m.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the shutdown error once Done is closed.
func (m *Manager) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Result returns the detailed outcome once Done is closed.
func (m *Manager) Result() *Result {
	select {
	case <-m.done:
		return m.result
	default:
		return nil
	}
}

func (m *Manager) logf(msg string, fields map[string]interface{}) {
	m.mu.Lock()
	l := m.logger
	m.mu.Unlock()
	l.Info(msg, fields)
}

func (m *Manager) run(ctx context.Context) error {
	start := time.Now()

	m.mu.Lock()
	handlers := append([]registration(nil), m.handlers...)
	m.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	defer func() {
		result.TotalDuration = time.Since(start)
		m.result = result
	}()

	var failures []error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			return result.Err
		}

		m.logf("shutdown phase", map[string]interface{}{"phase": group[0].phase, "handlers": len(group)})
		for _, hr := range m.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
		if len(failures) > 0 && m.config.StopOnError {
			break
		}
	}

	if len(failures) > 0 {
		result.Err = fmt.Errorf("%w: %w", ErrHandlerFailed, errors.Join(failures...))
	}
	return result.Err
}

// runPhase calls every handler in group concurrently.
func (m *Manager) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			hr := HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}
			results[i] = hr

			if err != nil {
				m.mu.Lock()
				l := m.logger
				m.mu.Unlock()
				l.Warn("shutdown handler failed", map[string]interface{}{"handler": r.name, "error": err.Error()})
			}
			if m.config.OnProgress != nil {
				m.config.OnProgress(hr)
			}
		}()
	}
	wg.Wait()
	return results
}

// groupByPhase splits handlers, already sorted by phase, into phases.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
