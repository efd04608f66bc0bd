package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases for the components of a node. Lower phases stop first.
const (
	// PhaseIntake stops runtimes and transports so no new messages arrive.
	PhaseIntake = 10

	// PhaseCoordination ends sessions and stops heartbeats and watchers.
	PhaseCoordination = 20

	// PhaseStorage closes the directory, state stores, the archive and
	// the bus connection.
	PhaseStorage = 30

	// PhaseTelemetry flushes traces, metrics and event exporters last so
	// the rest of the shutdown is recorded.
	PhaseTelemetry = 40
)

// ShutdownHandler is implemented by components that need graceful shutdown.
// agent.Runtime, heartbeat.Sender, heartbeat.Monitor, archive.SQLiteArchive
// and telemetry.Provider implement it.
type ShutdownHandler interface {
	// OnShutdown is called when shutdown is initiated. ctx is cancelled
	// when the shutdown timeout is reached.
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to ShutdownHandler.
type ShutdownFunc func(ctx context.Context) error

// OnShutdown implements ShutdownHandler.
func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil if every handler succeeded.
	Err error
}

// Failed returns true if any handler failed or the shutdown timed out.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Manager.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0) and signal-triggered shutdowns.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: PhaseStorage
	DefaultPhase int

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	// OnProgress is called as each handler completes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DefaultPhase: PhaseStorage,
	}
}

type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
