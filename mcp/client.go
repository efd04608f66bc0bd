package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	agenterr "github.com/vinayprograms/agentbeats/errors"
)

// maxLineSize bounds one JSON-RPC line on a stream.
const maxLineSize = 4 * 1024 * 1024

// ServerConfig says how to reach an MCP server: a command speaking
// JSON-RPC on stdio, or the base URL of an HTTP server (requests go to
// URL + "/mcp").
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL    string `json:"url,omitempty"`
	APIKey string `json:"-"`
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client `json:"-"`
}

// conn carries JSON-RPC calls to one server.
type conn interface {
	call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	notify(ctx context.Context, method string, params interface{}) error
	close() error
}

// Client is a connection to one MCP server.
type Client struct {
	conn conn

	mu     sync.RWMutex
	ready  bool
	server Info
	tools  []Tool
}

// NewClient starts the server command, or prepares HTTP calls to its URL.
// Call Initialize before anything else.
func NewClient(config ServerConfig) (*Client, error) {
	switch {
	case config.Command != "":
		c, err := startCommand(config)
		if err != nil {
			return nil, err
		}
		return &Client{conn: c}, nil
	case config.URL != "":
		hc := config.HTTPClient
		if hc == nil {
			hc = http.DefaultClient
		}
		return &Client{conn: &httpConn{
			url:    strings.TrimRight(config.URL, "/") + "/mcp",
			apiKey: config.APIKey,
			client: hc,
		}}, nil
	default:
		return nil, agenterr.InvalidInput("mcp server needs a command or a url")
	}
}

// NewStreamClient speaks line-delimited JSON-RPC over r and w. Close
// closes w.
func NewStreamClient(r io.Reader, w io.WriteCloser) *Client {
	return &Client{conn: newStreamConn(r, w, nil)}
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	result, err := c.conn.call(ctx, MethodInitialize, map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      Info{Name: "agentbeats", Version: "1.0.0"},
	})
	if err != nil {
		return agenterr.Wrap(err, "mcp initialize failed")
	}
	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return agenterr.Protocol("malformed initialize result", agenterr.WithCause(err))
	}

	if err := c.conn.notify(ctx, MethodInitialized, nil); err != nil {
		return agenterr.Wrap(err, "mcp initialized notification failed")
	}

	c.mu.Lock()
	c.ready = true
	c.server = init.ServerInfo
	c.mu.Unlock()
	return nil
}

// ServerInfo returns what the server announced during Initialize.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// ListTools fetches the server's tools and caches them.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var res ToolsListResult
	if err := c.request(ctx, MethodToolsList, nil, &res); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = res.Tools
	c.mu.Unlock()
	return res.Tools, nil
}

// CallTool invokes a tool. A tool that fails reports IsError in the
// result; err is reserved for protocol and transport failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	var res ToolCallResult
	if err := c.request(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResources fetches the server's resources.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var res ResourcesListResult
	if err := c.request(ctx, MethodResourcesList, nil, &res); err != nil {
		return nil, err
	}
	return res.Resources, nil
}

// ReadResource returns the contents of the resource at uri.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	var res ResourceReadResult
	if err := c.request(ctx, MethodResourcesRead, ResourceReadParams{URI: uri}, &res); err != nil {
		return nil, err
	}
	return res.Contents, nil
}

// Tools returns the tools cached by the last ListTools.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tool(nil), c.tools...)
}

// Close releases the connection and waits for a server process to exit.
func (c *Client) Close() error {
	return c.conn.close()
}

func (c *Client) request(ctx context.Context, method string, params, out interface{}) error {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()
	if !ready {
		return agenterr.Protocol("mcp client not initialized")
	}

	result, err := c.conn.call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return agenterr.Protocol("malformed "+method+" result", agenterr.WithCause(err))
	}
	return nil
}

// --- stdio ---

// streamConn matches responses to calls by id. Lines that do not decode
// are skipped.
type streamConn struct {
	cmd     *exec.Cmd
	w       io.WriteCloser
	scanner *bufio.Scanner

	writeMu sync.Mutex
	id      atomic.Int64

	pendMu  sync.Mutex
	pending map[string]chan *Response

	done chan struct{}
}

func startCommand(config ServerConfig) (*streamConn, error) {
	cmd := exec.Command(config.Command, config.Args...)
	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, agenterr.Transport("mcp server stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, agenterr.Transport("mcp server stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, agenterr.Transport("starting mcp server "+config.Command, err)
	}
	return newStreamConn(stdout, stdin, cmd), nil
}

func newStreamConn(r io.Reader, w io.WriteCloser, cmd *exec.Cmd) *streamConn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	c := &streamConn{
		cmd:     cmd,
		w:       w,
		scanner: scanner,
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readResponses()
	return c
}

func (c *streamConn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := strconv.FormatInt(c.id.Add(1), 10)

	respCh := make(chan *Response, 1)
	c.pendMu.Lock()
	c.pending[id] = respCh
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.send(method, json.RawMessage(id), params); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, agenterr.Transport("mcp server closed the stream during "+method, nil)
	case <-ctx.Done():
		return nil, agenterr.Wrap(ctx.Err(), "mcp "+method)
	}
}

func (c *streamConn) notify(_ context.Context, method string, params interface{}) error {
	return c.send(method, nil, params)
}

func (c *streamConn) send(method string, id json.RawMessage, params interface{}) error {
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return agenterr.InvalidInput("unencodable "+method+" params", agenterr.WithCause(err))
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return agenterr.Internal("encoding " + method)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.w, "%s\n", data); err != nil {
		return agenterr.Transport("writing "+method, err)
	}
	return nil
}

func (c *streamConn) readResponses() {
	defer close(c.done)
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[string(resp.ID)]
		c.pendMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *streamConn) close() error {
	err := c.w.Close()
	if c.cmd != nil {
		return c.cmd.Wait()
	}
	return err
}

// --- http ---

// httpConn posts each call to the server's /mcp route.
type httpConn struct {
	url    string
	apiKey string
	client *http.Client
	id     atomic.Int64
}

func (c *httpConn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := json.RawMessage(strconv.FormatInt(c.id.Add(1), 10))
	body, err := c.post(ctx, method, id, params)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, agenterr.Protocol("malformed mcp response to "+method, agenterr.WithCause(err))
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *httpConn) notify(ctx context.Context, method string, params interface{}) error {
	_, err := c.post(ctx, method, nil, params)
	return err
}

func (c *httpConn) post(ctx context.Context, method string, id json.RawMessage, params interface{}) ([]byte, error) {
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, agenterr.InvalidInput("unencodable "+method+" params", agenterr.WithCause(err))
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, agenterr.Internal("encoding " + method)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, agenterr.InvalidInput("invalid mcp url " + c.url)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, agenterr.Wrap(ctx.Err(), "mcp "+method)
		}
		return nil, agenterr.Transport("posting "+method+" to "+c.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
	if err != nil {
		return nil, agenterr.Transport("reading "+method+" response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, agenterr.Transport(fmt.Sprintf("mcp %s: HTTP %d", method, resp.StatusCode), nil)
	}
	return body, nil
}

func (c *httpConn) close() error { return nil }
