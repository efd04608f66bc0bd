// Package logging provides real-time log output for agents, transports and
// coordinators. The coordinator's session log is the record of a session;
// this package is for watching a node while it runs.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a config string (case-insensitive) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger writes leveled, single-line entries.
// Loggers derived with WithComponent or WithTraceID share the parent's
// writer and write lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger that tags entries with trace=<id>.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- A2A event helpers ---

// RequestSent logs an outbound request.
func (l *Logger) RequestSent(receiver, action, requestID string) {
	l.Debug("request_sent", map[string]interface{}{
		"receiver":   receiver,
		"action":     action,
		"request_id": requestID,
	})
}

// RequestHandled logs the outcome of dispatching an inbound request.
func (l *Logger) RequestHandled(action, requestID string, success bool, duration time.Duration) {
	fields := map[string]interface{}{
		"action":     action,
		"request_id": requestID,
		"success":    success,
		"duration":   duration.String(),
	}
	if success {
		l.Debug("request_handled", fields)
	} else {
		l.Warn("request_failed", fields)
	}
}

// HandlerFailed logs a handler error that was contained at dispatch.
func (l *Logger) HandlerFailed(handler string, err error) {
	l.Error("handler_error", map[string]interface{}{
		"handler": handler,
		"error":   err.Error(),
	})
}

// TransportEvent logs a connection-level event such as connect or drop.
func (l *Logger) TransportEvent(event, peer string, err error) {
	fields := map[string]interface{}{
		"event": event,
		"peer":  peer,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("transport", fields)
		return
	}
	l.Debug("transport", fields)
}

// TurnAdvanced logs a turn transition.
func (l *Logger) TurnAdvanced(from, to string, turn int) {
	l.Info("turn_advanced", map[string]interface{}{
		"from": from,
		"to":   to,
		"turn": turn,
	})
}

// SessionEvent logs a coordinator session event.
func (l *Logger) SessionEvent(kind string, fields map[string]interface{}) {
	l.Info(kind, fields)
}
