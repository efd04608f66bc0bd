package bus

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentbeats/logging"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	b.Close()

	return url
}

func newTestNATSBus(t *testing.T) *NATSBus {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// --- Unit Tests ---

func TestNATSSubscription_DropsWhenFull(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New()
	log.SetOutput(&buf)

	s := &natsSubscription{subject: "a2a.bob.request", ch: make(chan *Message, 1), log: log}
	s.deliver(&Message{Data: []byte("one")})
	s.deliver(&Message{Data: []byte("two")})
	s.deliver(&Message{Data: []byte("three")})

	if got := s.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if got := strings.Count(buf.String(), "dropping"); got != 1 {
		t.Errorf("logged %d drop warnings, want 1", got)
	}
	if msg := <-s.ch; string(msg.Data) != "one" {
		t.Errorf("kept %q, want the first message", msg.Data)
	}
}

func TestNATSConfig_Options(t *testing.T) {
	cfg := DefaultNATSConfig()
	if got := len(cfg.options()); got != 3 {
		t.Errorf("default options = %d, want 3", got)
	}
	cfg.Name = "alice"
	cfg.Token = "t"
	cfg.User = "u"
	cfg.Logger = logging.New()
	// token wins over user info; the logger adds three handlers
	if got := len(cfg.options()); got != 8 {
		t.Errorf("options = %d, want 8", got)
	}
}

// --- Integration Tests ---

func TestNATSBus_PubSubWildcard(t *testing.T) {
	b := newTestNATSBus(t)

	sub, err := b.Subscribe("heartbeat.*")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(HeartbeatSubject("nats-agent"), []byte("beat")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Subject != "heartbeat.nats-agent" {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_Request(t *testing.T) {
	b := newTestNATSBus(t)

	sub, _ := b.Subscribe(RequestSubject("nats-svc"))
	defer sub.Unsubscribe()
	go func() {
		for msg := range sub.Messages() {
			Respond(b, msg, []byte("pong"))
		}
	}()

	reply, err := b.Request(RequestSubject("nats-svc"), []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "pong" {
		t.Errorf("reply = %q, want %q", reply.Data, "pong")
	}
}

func TestNATSBus_SharedConnStaysOpen(t *testing.T) {
	owner := newTestNATSBus(t)

	shared := NewNATSBusFromConn(owner.Conn(), DefaultNATSConfig())
	shared.Close()

	if owner.Conn().IsClosed() {
		t.Error("closing a bus built on a shared connection closed the connection")
	}
}

// --- Failure Tests ---

func TestNATSBus_NoResponders(t *testing.T) {
	b := newTestNATSBus(t)

	_, err := b.Request("a2a.nobody.request", []byte("ping"), 200*time.Millisecond)
	if err != ErrNoResponders && err != ErrTimeout {
		t.Errorf("expected no responders or timeout, got %v", err)
	}
}

func TestNATSBus_InvalidURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = "nats://invalid-host-that-does-not-exist:4222"
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	b.Close()

	if err := b.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
