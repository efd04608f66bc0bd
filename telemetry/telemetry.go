// Package telemetry provides tracing, metrics and event export for agent
// runtimes and coordinators.
//
// Spans follow the a2a.request / a2a.dispatch.<action> / coordinator.<op>
// naming; trace context travels in message metadata. Exporters receive
// coordinator session events and completed request exchanges.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Exporter is the interface for telemetry exporters.
type Exporter interface {
	// LogEvent logs an event with the given name and data.
	LogEvent(name string, data map[string]interface{})
	// LogExchange logs a completed request/response exchange.
	LogExchange(ex Exchange)
	// Flush sends any buffered data.
	Flush() error
	// Close closes the exporter.
	Close() error
}

// Exchange records one request and its outcome as seen by the sender.
type Exchange struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver"`
	Action    string        `json:"action"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// Event is a named occurrence, typically a coordinator session log entry.
type Event struct {
	Type      string                 `json:"type"`
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Record types written by the exporters.
const (
	RecordEvent    = "event"
	RecordExchange = "exchange"
)

// NewExporter creates an exporter for protocol: "http" posts JSON batches
// to endpoint, "file" appends JSON lines to the file at endpoint, and
// "noop" or "" discards everything.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		if endpoint == "" {
			return nil, fmt.Errorf("http telemetry exporter requires an endpoint")
		}
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry protocol: %s", protocol)
	}
}

// sink receives encoded records. Calls are serialized by recordExporter.
type sink interface {
	write(record []byte) error
	flush() error
	close() error
}

// recordExporter tags and encodes records for a sink. Write errors are
// dropped; Flush and Close report them.
type recordExporter struct {
	mu   sync.Mutex
	sink sink
}

func (e *recordExporter) LogEvent(name string, data map[string]interface{}) {
	e.emit(Event{Type: RecordEvent, Name: name, Timestamp: time.Now(), Data: data})
}

func (e *recordExporter) LogExchange(ex Exchange) {
	ex.Type = RecordExchange
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now()
	}
	e.emit(ex)
}

func (e *recordExporter) emit(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink.write(data)
}

func (e *recordExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink.flush()
}

func (e *recordExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.sink.flush(), e.sink.close())
}

// --- HTTP Exporter ---

const httpBatchSize = 100

// HTTPExporter posts records in batches, as a JSON array, to an endpoint.
// A batch is sent when it is full and on Flush.
type HTTPExporter struct {
	recordExporter
}

// NewHTTPExporter creates an HTTP exporter.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	s := &httpSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		batch:    make([][]byte, 0, httpBatchSize),
	}
	return &HTTPExporter{recordExporter{sink: s}}
}

type httpSink struct {
	endpoint string
	client   *http.Client
	batch    [][]byte
}

func (s *httpSink) write(record []byte) error {
	s.batch = append(s.batch, record)
	if len(s.batch) < httpBatchSize {
		return nil
	}
	return s.flush()
}

func (s *httpSink) flush() error {
	if len(s.batch) == 0 {
		return nil
	}
	body := append([]byte{'['}, bytes.Join(s.batch, []byte{','})...)
	body = append(body, ']')

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}
	s.batch = s.batch[:0]
	return nil
}

func (s *httpSink) close() error { return nil }

// --- File Exporter ---

// FileExporter appends one JSON record per line to a file.
type FileExporter struct {
	recordExporter
}

// NewFileExporter opens path for appending, creating it if needed.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &FileExporter{recordExporter{sink: fileSink{f}}}, nil
}

type fileSink struct {
	file *os.File
}

func (s fileSink) write(record []byte) error {
	_, err := s.file.Write(append(record, '\n'))
	return err
}

func (s fileSink) flush() error { return s.file.Sync() }
func (s fileSink) close() error { return s.file.Close() }

// --- Noop Exporter ---

// NoopExporter discards all telemetry.
type NoopExporter struct{}

// NewNoopExporter creates a noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]interface{}) {}
func (e *NoopExporter) LogExchange(ex Exchange)                           {}
func (e *NoopExporter) Flush() error                                      { return nil }
func (e *NoopExporter) Close() error                                      { return nil }
