package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/protocol"
)

// startHTTPAgent serves owner's routes on an httptest server.
func startHTTPAgent(t *testing.T, owner Owner) (*HTTPTransport, *httptest.Server) {
	t.Helper()
	tr := NewHTTPTransport(HTTPConfig{})
	if err := tr.Start(context.Background(), owner); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	srv := httptest.NewServer(tr.Handler())
	t.Cleanup(func() {
		srv.Close()
		tr.Stop(context.Background())
	})
	return tr, srv
}

// --- Unit Tests ---

func TestHTTPTransport_Resolve(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{
		Endpoints: map[string]string{"known": "http://known:9000/"},
		BaseURL:   "http://gateway:8000",
	})

	url, err := tr.resolve("known", RouteRequest)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if url != "http://known:9000/a2a/request" {
		t.Errorf("url = %q", url)
	}

	url, err = tr.resolve("other", RouteRequest)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if url != "http://gateway:8000/agents/other/a2a/request" {
		t.Errorf("fallback url = %q", url)
	}
}

type mapResolver map[string]string

func (m mapResolver) GetEndpoint(id string) (string, bool) {
	ep, ok := m[id]
	return ep, ok
}

func TestHTTPTransport_ResolverConsulted(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{Resolver: mapResolver{"dir": "http://dir-agent:7000"}})
	url, err := tr.resolve("dir", RouteMessage)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if url != "http://dir-agent:7000/a2a/message" {
		t.Errorf("url = %q", url)
	}
}

// --- Integration Tests ---

func TestHTTPTransport_RequestRoundTrip(t *testing.T) {
	_, srv := startHTTPAgent(t, newTestOwner("b"))

	client := NewHTTPTransport(HTTPConfig{Endpoints: map[string]string{"b": srv.URL}})
	req := protocol.NewRequest("a", "b", "echo", map[string]interface{}{"x": float64(1)})

	resp, err := client.SendRequest(context.Background(), req, "b", 2*time.Second)
	if err != nil {
		t.Fatalf("SendRequest error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Success = false, error %q", resp.Error)
	}
	if resp.RequestID != req.ID {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, req.ID)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["x"] != float64(1) {
		t.Errorf("Result = %v", resp.Result)
	}
	if resp.ReceiverID != "a" {
		t.Errorf("ReceiverID = %q, want a", resp.ReceiverID)
	}
}

func TestHTTPTransport_UnknownActionFailure(t *testing.T) {
	_, srv := startHTTPAgent(t, newTestOwner("b"))

	client := NewHTTPTransport(HTTPConfig{Endpoints: map[string]string{"b": srv.URL}})
	resp, err := client.SendRequest(context.Background(), protocol.NewRequest("a", "b", "dance", nil), "b", time.Second)
	if err != nil {
		t.Fatalf("SendRequest error: %v", err)
	}
	if resp.Success {
		t.Error("expected failure response")
	}
	if resp.Error != "Unknown action: dance" {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestHTTPTransport_SendMessage(t *testing.T) {
	owner := newTestOwner("b")
	_, srv := startHTTPAgent(t, owner)

	client := NewHTTPTransport(HTTPConfig{Endpoints: map[string]string{"b": srv.URL}})
	msg := protocol.NewNotification("a", "b", map[string]interface{}{"hello": "world"}, nil)
	if err := client.SendMessage(context.Background(), msg, "b"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}

	got := waitNotification(t, owner)
	if got.ID != msg.ID {
		t.Errorf("ID = %q, want %q", got.ID, msg.ID)
	}
	if got.Payload["hello"] != "world" {
		t.Errorf("Payload = %v", got.Payload)
	}
}

func TestHTTPTransport_FetchCapabilities(t *testing.T) {
	_, srv := startHTTPAgent(t, newTestOwner("b"))

	client := NewHTTPTransport(HTTPConfig{Endpoints: map[string]string{"b": srv.URL}})
	caps, err := client.FetchCapabilities(context.Background(), "b")
	if err != nil {
		t.Fatalf("FetchCapabilities error: %v", err)
	}
	if caps.AgentID != "b" || !caps.SupportsAction("echo") {
		t.Errorf("caps = %+v", caps)
	}
}

func TestHTTPTransport_ListenAndServe(t *testing.T) {
	server := NewHTTPTransport(HTTPConfig{ListenAddr: "127.0.0.1:0"})
	if err := server.Start(context.Background(), newTestOwner("b")); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer server.Stop(context.Background())

	client := NewHTTPTransport(HTTPConfig{})
	client.SetEndpoint("b", "http://"+server.Addr())

	resp, err := client.SendRequest(context.Background(), protocol.NewRequest("a", "b", "echo", nil), "b", 2*time.Second)
	if err != nil {
		t.Fatalf("SendRequest error: %v", err)
	}
	if !resp.Success {
		t.Errorf("Success = false")
	}
}

func TestGateway_RoutesByAgent(t *testing.T) {
	gw := NewGateway(Config{})
	gw.Mount(newTestOwner("b"))
	gw.Mount(newTestOwner("c"))
	srv := httptest.NewServer(gw)
	defer srv.Close()

	client := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL})
	for _, id := range []string{"b", "c"} {
		resp, err := client.SendRequest(context.Background(), protocol.NewRequest("a", id, "echo", nil), id, time.Second)
		if err != nil {
			t.Fatalf("SendRequest(%s) error: %v", id, err)
		}
		if resp.SenderID != id {
			t.Errorf("SenderID = %q, want %q", resp.SenderID, id)
		}
	}

	httpResp, err := http.Get(srv.URL + "/agents")
	if err != nil {
		t.Fatalf("GET /agents error: %v", err)
	}
	defer httpResp.Body.Close()
	var caps []protocol.Capabilities
	if err := json.NewDecoder(httpResp.Body).Decode(&caps); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(caps) != 2 || caps[0].AgentID != "b" || caps[1].AgentID != "c" {
		t.Errorf("caps = %+v", caps)
	}
}

// --- Failure Tests ---

func TestHTTPTransport_StartTwice(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{})
	owner := newTestOwner("a")
	if err := tr.Start(context.Background(), owner); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	err := tr.Start(context.Background(), owner)
	if !agenterr.Is(err, agenterr.ErrCodeAlreadyStarted) {
		t.Errorf("expected ALREADY_STARTED, got %v", err)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Errorf("second Stop error: %v", err)
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	tr := NewHTTPTransport(HTTPConfig{})
	_, err := tr.SendRequest(context.Background(), protocol.NewRequest("a", "ghost", "echo", nil), "ghost", time.Second)
	if !agenterr.Is(err, agenterr.ErrCodeUnreachable) {
		t.Errorf("expected UNREACHABLE, got %v", err)
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	_, srv := startHTTPAgent(t, newTestOwner("b"))

	client := NewHTTPTransport(HTTPConfig{Endpoints: map[string]string{"b": srv.URL}})
	req := protocol.NewRequest("a", "b", "sleep", map[string]interface{}{"for": "300ms"})

	start := time.Now()
	_, err := client.SendRequest(context.Background(), req, "b", 50*time.Millisecond)
	if !agenterr.Is(err, agenterr.ErrCodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("SendRequest took %v", elapsed)
	}
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewHTTPTransport(HTTPConfig{Endpoints: map[string]string{"b": url}})
	_, err := client.SendRequest(context.Background(), protocol.NewRequest("a", "b", "echo", nil), "b", time.Second)
	if !agenterr.Is(err, agenterr.ErrCodeTransport) {
		t.Errorf("expected TRANSPORT, got %v", err)
	}
}

func TestHTTPTransport_MismatchedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		other := protocol.NewRequest("a", "b", "echo", nil)
		data, _ := protocol.Encode(protocol.NewSuccess("b", other, nil).Message())
		w.Write(data)
	}))
	defer srv.Close()

	client := NewHTTPTransport(HTTPConfig{Endpoints: map[string]string{"b": srv.URL}})
	_, err := client.SendRequest(context.Background(), protocol.NewRequest("a", "b", "echo", nil), "b", time.Second)
	if !agenterr.Is(err, agenterr.ErrCodeProtocol) {
		t.Errorf("expected PROTOCOL, got %v", err)
	}
}

func TestHTTPTransport_RequestRouteRejectsNotification(t *testing.T) {
	_, srv := startHTTPAgent(t, newTestOwner("b"))

	data, _ := protocol.Encode(protocol.NewNotification("a", "b", nil, nil))
	resp, err := http.Post(srv.URL+RouteRequest, "application/json", strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPTransport_MalformedBody(t *testing.T) {
	_, srv := startHTTPAgent(t, newTestOwner("b"))

	resp, err := http.Post(srv.URL+RouteMessage, "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGateway_UnknownAgent(t *testing.T) {
	srv := httptest.NewServer(NewGateway(Config{}))
	defer srv.Close()

	client := NewHTTPTransport(HTTPConfig{BaseURL: srv.URL})
	_, err := client.SendRequest(context.Background(), protocol.NewRequest("a", "nobody", "echo", nil), "nobody", time.Second)
	if !agenterr.Is(err, agenterr.ErrCodeTransport) {
		t.Errorf("expected TRANSPORT for 404, got %v", err)
	}
}
