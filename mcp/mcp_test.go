package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentbeats/agent"
	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/protocol"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}

// calcServer serves an add tool, a failing tool and one resource.
func calcServer(name string) *Server {
	s := NewServer(name, "0.1.0", quietLogger())
	s.RegisterTool(Tool{Name: "add", Description: "Adds x and y"}, func(_ context.Context, args map[string]interface{}) (interface{}, error) {
		x, _ := args["x"].(float64)
		y, _ := args["y"].(float64)
		return map[string]interface{}{"sum": x + y}, nil
	})
	s.RegisterTool(Tool{Name: "greet"}, func(_ context.Context, args map[string]interface{}) (interface{}, error) {
		return fmt.Sprintf("hello %v", args["name"]), nil
	})
	s.RegisterTool(Tool{Name: "fail"}, func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("division by zero")
	})
	s.RegisterResource(Resource{URI: "calc://help", Name: "help", Description: "usage"}, func(context.Context) (string, error) {
		return "add x y", nil
	})
	return s
}

// streamClient connects a client to s over a pair of pipes.
func streamClient(t *testing.T, s *Server) *Client {
	t.Helper()
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeStream(ctx, toServerR, toClientW)
		toClientW.Close()
	}()

	c := NewStreamClient(toClientR, toServerW)
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
	})
	return c
}

func initialized(t *testing.T, c *Client) *Client {
	t.Helper()
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	return c
}

func call(t *testing.T, s *Server, method, params string) *Response {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":7,"method":"` + method + `"`
	if params != "" {
		body += `,"params":` + params
	}
	out := s.HandleJSON(context.Background(), []byte(body+"}"))
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("response %s: %v", out, err)
	}
	return &resp
}

// --- Unit Tests ---

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}
	if got := err.Error(); got != "RPC error -32601: Method not found" {
		t.Errorf("Error() = %q", got)
	}
}

func TestToolCallResult_Text(t *testing.T) {
	r := ToolCallResult{Content: []Content{
		{Type: "text", Text: "a"},
		{Type: "image", Data: "aGk="},
		{Type: "text", Text: "b"},
	}}
	if got := r.Text(); got != "ab" {
		t.Errorf("Text() = %q, want %q", got, "ab")
	}
}

func TestRequest_IsNotification(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"", true},
		{"null", true},
		{"1", false},
		{`"abc"`, false},
	}
	for _, tt := range tests {
		r := Request{ID: json.RawMessage(tt.id)}
		if got := r.IsNotification(); got != tt.want {
			t.Errorf("IsNotification(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestDecodeText(t *testing.T) {
	if got := decodeText(`{"a":1}`); !reflect.DeepEqual(got, map[string]interface{}{"a": float64(1)}) {
		t.Errorf("decodeText(object) = %v", got)
	}
	if got := decodeText("plain words"); got != "plain words" {
		t.Errorf("decodeText(text) = %v", got)
	}
}

func TestServer_Initialize(t *testing.T) {
	resp := call(t, calcServer("calc"), MethodInitialize, `{"protocolVersion":"2024-11-05"}`)
	if resp.Error != nil {
		t.Fatalf("error = %v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("ID = %s, want 7", resp.ID)
	}
	var init InitializeResult
	json.Unmarshal(resp.Result, &init)
	if init.ProtocolVersion != ProtocolVersion || init.ServerInfo.Name != "calc" {
		t.Errorf("result = %+v", init)
	}
	if _, ok := init.Capabilities["tools"]; !ok {
		t.Errorf("capabilities = %v, want tools", init.Capabilities)
	}
}

func TestServer_ToolsList(t *testing.T) {
	resp := call(t, calcServer("calc"), MethodToolsList, "")
	var res ToolsListResult
	json.Unmarshal(resp.Result, &res)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		if tool.InputSchema["type"] != "object" {
			t.Errorf("%s schema = %v", tool.Name, tool.InputSchema)
		}
	}
	if want := []string{"add", "fail", "greet"}; !reflect.DeepEqual(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestServer_ToolsCall(t *testing.T) {
	s := calcServer("calc")
	tests := []struct {
		name    string
		params  string
		text    string
		isError bool
	}{
		{"json result", `{"name":"add","arguments":{"x":2,"y":3}}`, `{"sum":5}`, false},
		{"string result", `{"name":"greet","arguments":{"name":"bob"}}`, "hello bob", false},
		{"tool error", `{"name":"fail"}`, "Error: division by zero", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, s, MethodToolsCall, tt.params)
			if resp.Error != nil {
				t.Fatalf("error = %v", resp.Error)
			}
			var res ToolCallResult
			json.Unmarshal(resp.Result, &res)
			if res.Text() != tt.text || res.IsError != tt.isError {
				t.Errorf("result = %+v, want text %q isError %v", res, tt.text, tt.isError)
			}
		})
	}
}

func TestServer_ToolPanicIsError(t *testing.T) {
	s := NewServer("p", "1", quietLogger())
	s.RegisterTool(Tool{Name: "boom"}, func(context.Context, map[string]interface{}) (interface{}, error) {
		panic("kaboom")
	})
	resp := call(t, s, MethodToolsCall, `{"name":"boom"}`)
	var res ToolCallResult
	json.Unmarshal(resp.Result, &res)
	if !res.IsError || !strings.Contains(res.Text(), "kaboom") {
		t.Errorf("result = %+v, want isError with panic text", res)
	}
}

func TestServer_Resources(t *testing.T) {
	s := calcServer("calc")

	var list ResourcesListResult
	json.Unmarshal(call(t, s, MethodResourcesList, "").Result, &list)
	if len(list.Resources) != 1 || list.Resources[0].URI != "calc://help" {
		t.Fatalf("resources = %+v", list.Resources)
	}

	var read ResourceReadResult
	json.Unmarshal(call(t, s, MethodResourcesRead, `{"uri":"calc://help"}`).Result, &read)
	want := []ResourceContents{{URI: "calc://help", MimeType: "text/plain", Text: "add x y"}}
	if !reflect.DeepEqual(read.Contents, want) {
		t.Errorf("contents = %+v, want %+v", read.Contents, want)
	}
}

func TestServer_Notification(t *testing.T) {
	s := calcServer("calc")
	if out := s.HandleJSON(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); out != nil {
		t.Errorf("notification answered: %s", out)
	}
}

func TestManager_Empty(t *testing.T) {
	m := NewManager(quietLogger())
	if m.ServerCount() != 0 {
		t.Errorf("ServerCount = %d, want 0", m.ServerCount())
	}
	if tools := m.AllTools(); len(tools) != 0 {
		t.Errorf("AllTools = %v, want none", tools)
	}
	if server, found := m.FindTool("nonexistent"); found {
		t.Errorf("FindTool found %q", server)
	}
}

// --- Integration Tests ---

func TestClient_StreamRoundTrip(t *testing.T) {
	c := initialized(t, streamClient(t, calcServer("calc")))
	ctx := context.Background()

	if info := c.ServerInfo(); info.Name != "calc" || info.Version != "0.1.0" {
		t.Errorf("ServerInfo = %+v", info)
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	if len(tools) != 3 || len(c.Tools()) != 3 {
		t.Errorf("tools = %v, cached %v", tools, c.Tools())
	}

	res, err := c.CallTool(ctx, "add", map[string]interface{}{"x": 1, "y": 41})
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if res.Text() != `{"sum":42}` {
		t.Errorf("CallTool text = %q", res.Text())
	}

	resources, err := c.ListResources(ctx)
	if err != nil || len(resources) != 1 {
		t.Fatalf("ListResources = %v, %v", resources, err)
	}
	contents, err := c.ReadResource(ctx, resources[0].URI)
	if err != nil || len(contents) != 1 || contents[0].Text != "add x y" {
		t.Errorf("ReadResource = %+v, %v", contents, err)
	}
}

func TestClient_ConcurrentCalls(t *testing.T) {
	c := initialized(t, streamClient(t, calcServer("calc")))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.CallTool(context.Background(), "add", map[string]interface{}{"x": i, "y": 0})
			if err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf(`{"sum":%d}`, i); res.Text() != want {
				errs <- fmt.Errorf("call %d text = %q, want %q", i, res.Text(), want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClient_HTTPRoundTrip(t *testing.T) {
	s := calcServer("calc")
	var auth string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		s.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()

	c, err := NewClient(ServerConfig{URL: srv.URL + "/", APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer c.Close()
	initialized(t, c)

	res, err := c.CallTool(context.Background(), "greet", map[string]interface{}{"name": "ann"})
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if res.Text() != "hello ann" {
		t.Errorf("text = %q, want %q", res.Text(), "hello ann")
	}
	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer secret")
	}
}

func TestManager_ToolsAcrossServers(t *testing.T) {
	ctx := context.Background()
	m := NewManager(quietLogger())
	defer m.Close()

	if err := m.Add(ctx, "beta", streamClient(t, calcServer("beta"))); err != nil {
		t.Fatalf("Add(beta) error: %v", err)
	}
	if err := m.Add(ctx, "alpha", streamClient(t, calcServer("alpha"))); err != nil {
		t.Fatalf("Add(alpha) error: %v", err)
	}
	if got := m.Servers(); !reflect.DeepEqual(got, []string{"alpha", "beta"}) {
		t.Errorf("Servers = %v", got)
	}
	if n := len(m.AllTools()); n != 6 {
		t.Errorf("AllTools = %d tools, want 6", n)
	}

	m.SetDeniedTools("alpha", []string{"add"})
	if server, _ := m.FindTool("add"); server != "beta" {
		t.Errorf("FindTool(add) = %q, want beta", server)
	}
	if server, _ := m.FindTool("greet"); server != "alpha" {
		t.Errorf("FindTool(greet) = %q, want alpha", server)
	}
	if _, err := m.CallTool(ctx, "alpha", "add", nil); !agenterr.Is(err, agenterr.ErrCodeInvalidInput) {
		t.Errorf("CallTool(denied) error = %v, want INVALID_INPUT", err)
	}

	if err := m.Disconnect("beta"); err != nil {
		t.Errorf("Disconnect error: %v", err)
	}
	if m.ServerCount() != 1 {
		t.Errorf("ServerCount = %d, want 1", m.ServerCount())
	}
}

func TestRegisterTools_InstallsActions(t *testing.T) {
	ctx := context.Background()
	rt := agent.New(agent.Config{ID: "a", Logger: quietLogger()})
	rt.RegisterActionFunc("greet", func(context.Context, *protocol.Request) (interface{}, error) {
		return "local", nil
	})

	m := NewManager(quietLogger())
	defer m.Close()
	if err := m.Add(ctx, "calc", streamClient(t, calcServer("calc"))); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	installed := RegisterTools(rt, m, "")
	if want := []string{"add", "fail"}; !reflect.DeepEqual(installed, want) {
		t.Errorf("installed = %v, want %v", installed, want)
	}

	resp := rt.HandleMessage(ctx, protocol.NewRequest("b", "a", "add", map[string]interface{}{"x": 2, "y": 2}).Message())
	if !resp.Success {
		t.Fatalf("add failed: %s", resp.Error)
	}
	if got := resp.Result.(map[string]interface{})["sum"]; got != float64(4) {
		t.Errorf("sum = %v, want 4", got)
	}

	resp = rt.HandleMessage(ctx, protocol.NewRequest("b", "a", "greet", nil).Message())
	if resp.Result != "local" {
		t.Errorf("greet = %v, want local handler kept", resp.Result)
	}

	resp = rt.HandleMessage(ctx, protocol.NewRequest("b", "a", "fail", nil).Message())
	if resp.Success || !strings.Contains(resp.Error, "division by zero") {
		t.Errorf("fail response = %+v", resp)
	}
}

func TestRegisterTools_Prefix(t *testing.T) {
	rt := agent.New(agent.Config{ID: "a", Logger: quietLogger()})
	m := NewManager(quietLogger())
	defer m.Close()
	if err := m.Add(context.Background(), "calc", streamClient(t, calcServer("calc"))); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	installed := RegisterTools(rt, m, "calc.")
	if want := []string{"calc.add", "calc.fail", "calc.greet"}; !reflect.DeepEqual(installed, want) {
		t.Errorf("installed = %v, want %v", installed, want)
	}
}

func TestExposeRuntime(t *testing.T) {
	rt := agent.New(agent.Config{ID: "a", Name: "Alice", Logger: quietLogger()})
	rt.RegisterActionFunc("echo", func(_ context.Context, req *protocol.Request) (interface{}, error) {
		return req.Parameters, nil
	})
	rt.RegisterActionFunc("broken", func(context.Context, *protocol.Request) (interface{}, error) {
		return nil, errors.New("out of moves")
	})

	s := NewServer("Alice", "1.0.0", quietLogger())
	ExposeRuntime(s, rt)
	c := initialized(t, streamClient(t, s))
	ctx := context.Background()

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if want := []string{"broken", agent.ActionCapabilities, "echo"}; !reflect.DeepEqual(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}

	res, err := c.CallTool(ctx, "echo", map[string]interface{}{"move": "e4"})
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if res.IsError || res.Text() != `{"move":"e4"}` {
		t.Errorf("echo = %+v", res)
	}

	res, err = c.CallTool(ctx, "broken", nil)
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Text(), "out of moves") {
		t.Errorf("broken = %+v, want isError", res)
	}

	contents, err := c.ReadResource(ctx, "a2a://a/capabilities")
	if err != nil || len(contents) != 1 {
		t.Fatalf("ReadResource = %v, %v", contents, err)
	}
	var caps protocol.Capabilities
	if err := json.Unmarshal([]byte(contents[0].Text), &caps); err != nil {
		t.Fatalf("capabilities text: %v", err)
	}
	if caps.AgentID != "a" || caps.AgentName != "Alice" {
		t.Errorf("capabilities = %+v", caps)
	}
	if contents[0].MimeType != "application/json" {
		t.Errorf("MimeType = %q", contents[0].MimeType)
	}
}

// --- Failure Tests ---

func TestServer_RPCErrors(t *testing.T) {
	s := calcServer("calc")
	tests := []struct {
		name   string
		method string
		params string
		code   int
	}{
		{"unknown method", "prompts/list", "", CodeMethodNotFound},
		{"unknown tool", MethodToolsCall, `{"name":"nope"}`, CodeInvalidParams},
		{"unknown resource", MethodResourcesRead, `{"uri":"calc://nope"}`, CodeInvalidParams},
		{"bad params", MethodToolsCall, `[1,2]`, CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, s, tt.method, tt.params)
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %v, want code %d", resp.Error, tt.code)
			}
		})
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	out := calcServer("calc").HandleJSON(context.Background(), []byte("{not json"))
	var resp Response
	json.Unmarshal(out, &resp)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("response = %s, want parse error", out)
	}
}

func TestNewClient_NeedsCommandOrURL(t *testing.T) {
	if _, err := NewClient(ServerConfig{}); !agenterr.Is(err, agenterr.ErrCodeInvalidInput) {
		t.Errorf("NewClient error = %v, want INVALID_INPUT", err)
	}
}

func TestClient_NotInitialized(t *testing.T) {
	c := streamClient(t, calcServer("calc"))
	if _, err := c.ListTools(context.Background()); !agenterr.Is(err, agenterr.ErrCodeProtocol) {
		t.Errorf("ListTools error = %v, want PROTOCOL", err)
	}
}

func TestClient_RPCErrorSurfaces(t *testing.T) {
	c := initialized(t, streamClient(t, calcServer("calc")))
	_, err := c.CallTool(context.Background(), "nope", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Errorf("CallTool error = %v, want RPC %d", err, CodeInvalidParams)
	}
}

func TestClient_ServerClosedStream(t *testing.T) {
	r, w := io.Pipe()
	w.Close()
	c := NewStreamClient(r, nopWriteCloser{io.Discard})
	defer c.Close()

	err := c.Initialize(context.Background())
	if !agenterr.Is(err, agenterr.ErrCodeTransport) {
		t.Errorf("Initialize error = %v, want TRANSPORT", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c := NewStreamClient(r, nopWriteCloser{io.Discard})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Initialize(ctx)
	if !agenterr.Is(err, agenterr.ErrCodeTimeout) {
		t.Errorf("Initialize error = %v, want TIMEOUT", err)
	}
}

func TestClient_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewClient(ServerConfig{URL: srv.URL})
	if err := c.Initialize(context.Background()); !agenterr.Is(err, agenterr.ErrCodeTransport) {
		t.Errorf("Initialize error = %v, want TRANSPORT", err)
	}
}

func TestManager_AddDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(quietLogger())
	defer m.Close()
	if err := m.Add(ctx, "calc", streamClient(t, calcServer("calc"))); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := m.Add(ctx, "calc", streamClient(t, calcServer("calc"))); !agenterr.Is(err, agenterr.ErrCodeInvalidInput) {
		t.Errorf("second Add error = %v, want INVALID_INPUT", err)
	}
	if _, err := m.CallTool(ctx, "ghost", "add", nil); !agenterr.Is(err, agenterr.ErrCodeNotFound) {
		t.Errorf("CallTool(ghost) error = %v, want NOT_FOUND", err)
	}
	if err := m.Disconnect("ghost"); !agenterr.Is(err, agenterr.ErrCodeNotFound) {
		t.Errorf("Disconnect(ghost) error = %v, want NOT_FOUND", err)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
