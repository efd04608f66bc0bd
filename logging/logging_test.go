package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"Warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.WithComponent("coordinator").Info("test message")

	output := buf.String()
	if !strings.Contains(output, "[coordinator]") {
		t.Errorf("expected component 'coordinator' in log, got: %s", output)
	}
}

func TestLogger_WithTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.WithTraceID("req-123").Info("test message")

	if !strings.Contains(buf.String(), "trace=req-123") {
		t.Errorf("expected trace field, got: %s", buf.String())
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("msg", map[string]interface{}{"zeta": 1, "alpha": 2})

	output := buf.String()
	if strings.Index(output, "alpha=2") > strings.Index(output, "zeta=1") {
		t.Errorf("fields should be sorted, got: %s", output)
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.WithComponent("test").Info("hello world", map[string]interface{}{"key": "value"})

	output := buf.String()
	// Format: LEVEL TIMESTAMP [component] message key=value
	if !strings.HasPrefix(output, "INFO ") {
		t.Errorf("expected line to start with 'INFO ', got: %s", output)
	}
	if !strings.Contains(output, "[test] hello world key=value") {
		t.Errorf("unexpected format: %s", output)
	}
}

func TestLogger_RequestHandled(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.RequestHandled("solve", "r1", true, 5*time.Millisecond)
	if buf.Len() != 0 {
		t.Errorf("successful dispatch logs at DEBUG, got: %s", buf.String())
	}

	logger.RequestHandled("solve", "r2", false, 5*time.Millisecond)
	output := buf.String()
	if !strings.Contains(output, "WARN") || !strings.Contains(output, "request_failed") {
		t.Errorf("failed dispatch should warn, got: %s", output)
	}
	if !strings.Contains(output, "request_id=r2") {
		t.Errorf("expected request id, got: %s", output)
	}
}

func TestLogger_HandlerFailed(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.HandlerFailed("notification", errors.New("boom"))

	output := buf.String()
	if !strings.Contains(output, "ERROR") || !strings.Contains(output, "error=boom") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestLogger_TurnAdvanced(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.TurnAdvanced("a", "b", 1)

	output := buf.String()
	if !strings.Contains(output, "from=a") || !strings.Contains(output, "to=b") || !strings.Contains(output, "turn=1") {
		t.Errorf("unexpected output: %s", output)
	}
}
