package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
)

// RoutePath is where Handler accepts JSON-RPC posts.
const RoutePath = "/mcp"

// ToolHandler runs a tool. A string result is returned as text; anything
// else is JSON-encoded.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ResourceReader produces the text of a resource.
type ResourceReader func(ctx context.Context) (string, error)

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

type registeredResource struct {
	resource Resource
	read     ResourceReader
}

// Server answers MCP requests from registered tools and resources.
type Server struct {
	info   Info
	logger *logging.Logger

	mu        sync.RWMutex
	tools     map[string]registeredTool
	resources map[string]registeredResource
}

// NewServer creates a server announcing name and version. A nil logger
// uses logging.New().
func NewServer(name, version string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New()
	}
	return &Server{
		info:      Info{Name: name, Version: version},
		logger:    logger.WithComponent("mcp-server"),
		tools:     make(map[string]registeredTool),
		resources: make(map[string]registeredResource),
	}
}

// RegisterTool adds or replaces a tool. A nil InputSchema is served as an
// empty object schema.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	if tool.InputSchema == nil {
		tool.InputSchema = map[string]interface{}{"type": "object"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
}

// RegisterResource adds or replaces a resource, keyed by URI.
func (s *Server) RegisterResource(resource Resource, read ResourceReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[resource.URI] = registeredResource{resource: resource, read: read}
}

// Tools returns the registered tools sorted by name.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handle answers one request. Notifications return nil.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	result, rpcErr := s.dispatch(ctx, req)
	if req.IsNotification() {
		return nil
	}
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}

// HandleJSON decodes one request and encodes its response. It returns nil
// for notifications.
func (s *Server) HandleJSON(ctx context.Context, data []byte) []byte {
	var req Request
	var resp *Response
	if err := json.Unmarshal(data, &req); err != nil {
		resp = &Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "Invalid JSON"}}
	} else if req.Method == "" {
		resp = &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeInvalidRequest, Message: "missing method"}}
	} else {
		resp = s.Handle(ctx, &req)
	}
	if resp == nil {
		return nil
	}
	out, _ := json.Marshal(resp)
	return out
}

func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *RPCError) {
	switch req.Method {
	case MethodInitialize:
		return InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: map[string]interface{}{
				"tools":     map[string]interface{}{},
				"resources": map[string]interface{}{},
			},
			ServerInfo: s.info,
		}, nil
	case MethodInitialized:
		return nil, nil
	case MethodToolsList:
		return ToolsListResult{Tools: s.Tools()}, nil
	case MethodToolsCall:
		var p ToolCallParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.callTool(ctx, p)
	case MethodResourcesList:
		return ResourcesListResult{Resources: s.resourceList()}, nil
	case MethodResourcesRead:
		var p ResourceReadParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.readResource(ctx, p.URI)
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "Method not found: " + req.Method}
	}
}

func decodeParams(raw json.RawMessage, out interface{}) *RPCError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (s *Server) callTool(ctx context.Context, p ToolCallParams) (interface{}, *RPCError) {
	s.mu.RLock()
	t, ok := s.tools[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "Tool not found: " + p.Name}
	}

	args := p.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := runTool(ctx, t.handler, args)
	if err != nil {
		s.logger.HandlerFailed("mcp:"+p.Name, err)
		return ToolCallResult{
			Content: []Content{{Type: "text", Text: "Error: " + err.Error()}},
			IsError: true,
		}, nil
	}

	text, ok := result.(string)
	if !ok {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
		text = string(data)
	}
	return ToolCallResult{Content: []Content{{Type: "text", Text: text}}}, nil
}

func runTool(ctx context.Context, h ToolHandler, args map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = agenterr.RecoverPanic(p)
		}
	}()
	return h(ctx, args)
}

func (s *Server) resourceList() []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r.resource)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (s *Server) readResource(ctx context.Context, uri string) (interface{}, *RPCError) {
	s.mu.RLock()
	r, ok := s.resources[uri]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "Resource not found: " + uri}
	}

	text, err := r.read(ctx)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	mime := r.resource.MimeType
	if mime == "" {
		mime = "text/plain"
	}
	return ResourceReadResult{Contents: []ResourceContents{{URI: uri, MimeType: mime, Text: text}}}, nil
}

// Handler serves POST /mcp. Notifications are acknowledged with 202 and
// no body.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(RoutePath, func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxLineSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := s.HandleJSON(req.Context(), body)
		if out == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	})
	return r
}

// ServeStream answers line-delimited requests from r on w until r ends or
// ctx is done. Requests are handled one at a time.
func (s *Server) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := s.HandleJSON(ctx, line)
		if out == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", out); err != nil {
			return agenterr.Transport("writing mcp response", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return agenterr.Transport("reading mcp stream", err)
	}
	return nil
}
