package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// --- Exporter Tests ---

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.LogEvent("test", map[string]interface{}{"key": "value"})
	exp.LogExchange(Exchange{Action: "ping"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}
	defer exp.Close()

	exp.LogEvent("turn_advanced", map[string]interface{}{"from_agent": "a", "to_agent": "b"})
	exp.LogExchange(Exchange{
		RequestID: "req-1",
		Sender:    "a",
		Receiver:  "b",
		Action:    "move",
		Success:   true,
		Latency:   time.Second,
	})
	exp.Flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != RecordEvent || ev.Name != "turn_advanced" || ev.Data["to_agent"] != "b" {
		t.Errorf("event = %+v", ev)
	}

	var ex Exchange
	if err := json.Unmarshal([]byte(lines[1]), &ex); err != nil {
		t.Fatalf("unmarshal exchange: %v", err)
	}
	if ex.Type != RecordExchange || ex.RequestID != "req-1" || ex.Timestamp.IsZero() {
		t.Errorf("exchange = %+v", ex)
	}
}

func TestHTTPExporter_Flush(t *testing.T) {
	var mu sync.Mutex
	var batches [][]map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]interface{}
		json.NewDecoder(r.Body).Decode(&batch)
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("session_started", nil)
	exp.LogExchange(Exchange{Action: "move"})
	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("batches = %v", batches)
	}
	if batches[0][0]["name"] != "session_started" {
		t.Errorf("first entry = %v", batches[0][0])
	}
}

func TestHTTPExporter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("x", nil)
	if err := exp.Flush(); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		endpoint string
		wantErr  bool
	}{
		{"noop", "", false},
		{"", "", false},
		{"http", "", true},
		{"http", "http://localhost:9/events", false},
		{"unknown", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol+"/"+tt.endpoint, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}

// --- Metrics Tests ---

func TestMetrics_Scrape(t *testing.T) {
	m, err := NewMetrics("test")
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	m.RecordRequest(ctx, "b", "move", 20*time.Millisecond, true, false)
	m.RecordRequest(ctx, "b", "move", time.Second, false, true)
	m.RecordDispatch(ctx, "move", true)
	m.RecordHandlerFailure(ctx, "move")
	m.RecordCoordinatorEvent(ctx, "GreenCoordinator", "turn_advanced")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"a2a_requests_sent_total",
		"a2a_request_timeouts_total",
		"a2a_actions_dispatched_total",
		"a2a_handler_failures_total",
		"a2a_coordinator_events_total",
		"a2a_request_duration_seconds",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("scrape output missing %s", name)
		}
	}
}

func TestMetrics_Independent(t *testing.T) {
	a, err := NewMetrics("a")
	if err != nil {
		t.Fatalf("first NewMetrics() error = %v", err)
	}
	b, err := NewMetrics("b")
	if err != nil {
		t.Fatalf("second NewMetrics() error = %v", err)
	}
	a.Shutdown(context.Background())
	b.Shutdown(context.Background())
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest(context.Background(), "b", "x", time.Second, true, false)
	m.RecordDispatch(context.Background(), "x", true)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

// --- Tracing Tests ---

func TestTracer_RequestSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := NewTracerFromProvider(tp, "test", true)

	ctx, span := tracer.StartRequestSpan(context.Background(), "b", "move")
	_, child := tracer.StartDispatchSpan(ctx, "move")
	tracer.EndRequestSpan(child, RequestSpanOptions{RequestID: "r1", Success: true}, nil)
	tracer.EndRequestSpan(span, RequestSpanOptions{
		RequestID: "r1",
		Success:   true,
		Params:    map[string]interface{}{"n": 1},
		Result:    map[string]interface{}{"ok": true},
	}, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "a2a.dispatch.move" || spans[1].Name() != "a2a.request" {
		t.Errorf("span names = %q, %q", spans[0].Name(), spans[1].Name())
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("dispatch span should be a child of the request span")
	}

	found := false
	for _, kv := range spans[1].Attributes() {
		if string(kv.Key) == "a2a.param.n" && kv.Value.AsString() == "1" {
			found = true
		}
	}
	if !found {
		t.Error("debug tracer should record parameters")
	}
}

func TestMetadataPropagation(t *testing.T) {
	SetPropagator()

	tp := sdktrace.NewTracerProvider()
	tracer := NewTracerFromProvider(tp, "test", false)
	ctx, span := tracer.StartSpan(context.Background(), "outer")
	defer span.End()

	metadata := map[string]interface{}{}
	InjectMetadata(ctx, metadata)
	if _, ok := metadata[TraceParentKey].(string); !ok {
		t.Fatalf("metadata missing %s: %v", TraceParentKey, metadata)
	}

	extracted := ExtractMetadata(context.Background(), metadata)
	_, inner := tracer.StartSpan(extracted, "inner")
	defer inner.End()

	if inner.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("extracted context should continue the same trace")
	}
}

func TestExtractMetadata_Empty(t *testing.T) {
	ctx := context.Background()
	if got := ExtractMetadata(ctx, nil); got != ctx {
		t.Error("empty metadata should return ctx unchanged")
	}
}

func TestTruncateAny(t *testing.T) {
	if got := truncateAny(int64(42), 10); got != "42" {
		t.Errorf("truncateAny(int64) = %q", got)
	}
	if got := truncateAny(strings.Repeat("x", 20), 5); got != "xxxxx..." {
		t.Errorf("truncateAny(long) = %q", got)
	}
}
