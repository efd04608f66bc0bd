package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/protocol"
)

type ownerFunc func(r *http.Request) Owner

// mountAgentRoutes registers the A2A routes of one agent on r.
func mountAgentRoutes(r chi.Router, maxSize int64, ownerFor ownerFunc, logger *logging.Logger) {
	h := &agentRoutes{maxSize: maxSize, ownerFor: ownerFor, logger: logger}
	r.Post(RouteMessage, h.message)
	r.Post(RouteRequest, h.request)
	r.Get(RouteCapabilities, h.capabilities)
	r.Get(RouteHealth, h.health)
}

type agentRoutes struct {
	maxSize  int64
	ownerFor ownerFunc
	logger   *logging.Logger
}

func (h *agentRoutes) owner(w http.ResponseWriter, r *http.Request) Owner {
	owner := h.ownerFor(r)
	if owner == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
	}
	return owner
}

func (h *agentRoutes) decode(w http.ResponseWriter, r *http.Request) (*protocol.Message, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return nil, false
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		h.logger.Warn("rejected message", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, false
	}
	return msg, true
}

// message accepts any kind; a response is returned when the runtime makes one.
func (h *agentRoutes) message(w http.ResponseWriter, r *http.Request) {
	owner := h.owner(w, r)
	if owner == nil {
		return
	}
	msg, ok := h.decode(w, r)
	if !ok {
		return
	}
	data, err := dispatch(r.Context(), owner, msg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if data == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeRaw(w, http.StatusOK, data)
}

// request answers synchronously with the runtime's response.
func (h *agentRoutes) request(w http.ResponseWriter, r *http.Request) {
	owner := h.owner(w, r)
	if owner == nil {
		return
	}
	msg, ok := h.decode(w, r)
	if !ok {
		return
	}
	if msg.Kind() != protocol.KindRequest {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": agenterr.Protocol("expected request, got " + msg.Kind().String()).Error(),
		})
		return
	}
	data, err := dispatch(r.Context(), owner, msg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if data == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "No response"})
		return
	}
	writeRaw(w, http.StatusOK, data)
}

func (h *agentRoutes) capabilities(w http.ResponseWriter, r *http.Request) {
	if owner := h.owner(w, r); owner != nil {
		writeJSON(w, http.StatusOK, owner.Capabilities())
	}
}

func (h *agentRoutes) health(w http.ResponseWriter, r *http.Request) {
	if owner := h.owner(w, r); owner != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "agent_id": owner.ID()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	writeRaw(w, status, jsonBody(v))
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func decodeJSON(r io.Reader, limit int64, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r, limit)).Decode(v)
}

// Gateway serves several agents on one listener under
// /agents/{agentID}/a2a/..., the layout HTTPConfig.BaseURL points at.
type Gateway struct {
	config Config

	mu     sync.RWMutex
	owners map[string]Owner
	router chi.Router
}

// NewGateway creates an empty gateway.
func NewGateway(cfg Config) *Gateway {
	cfg = cfg.withDefaults("gateway")
	g := &Gateway{
		config: cfg,
		owners: make(map[string]Owner),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/agents/{agentID}", func(r chi.Router) {
		mountAgentRoutes(r, cfg.MaxMessageSize, func(req *http.Request) Owner {
			return g.lookup(chi.URLParam(req, "agentID"))
		}, cfg.Logger)
	})
	r.Get("/agents", g.list)
	g.router = r
	return g
}

// Mount exposes owner under /agents/{owner.ID()}.
func (g *Gateway) Mount(owner Owner) {
	g.mu.Lock()
	g.owners[owner.ID()] = owner
	g.mu.Unlock()
	g.config.Logger.Info("mounted", map[string]interface{}{"agent_id": owner.ID()})
}

// Unmount removes an agent from the gateway.
func (g *Gateway) Unmount(agentID string) {
	g.mu.Lock()
	delete(g.owners, agentID)
	g.mu.Unlock()
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) lookup(agentID string) Owner {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owners[agentID]
}

func (g *Gateway) list(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	caps := make([]protocol.Capabilities, 0, len(g.owners))
	for _, o := range g.owners {
		caps = append(caps, o.Capabilities())
	}
	g.mu.RUnlock()
	sort.Slice(caps, func(i, j int) bool { return caps[i].AgentID < caps[j].AgentID })
	writeJSON(w, http.StatusOK, caps)
}
