package transport

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	agenterr "github.com/vinayprograms/agentbeats/errors"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/protocol"
)

// RouteWebSocket is the upgrade route; peers must identify with ?agent_id=.
const RouteWebSocket = "/a2a/ws"

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config

	// ListenAddr is the address the upgrade server binds.
	// Empty disables the listener (dial-only).
	ListenAddr string

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// PongWait is how long a connection may stay silent after a ping
	// before it is considered dead. Default: 2 * PingInterval.
	PongWait time.Duration

	// Dialer for outbound connections. Nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:       DefaultConfig(),
		ListenAddr:   ":8080",
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// WebSocketTransport keeps one long-lived connection per peer, keyed by
// the peer's agent identity. Connections are accepted on RouteWebSocket or
// opened with Dial; either side may send requests over them.
type WebSocketTransport struct {
	config   WebSocketConfig
	logger   *logging.Logger
	upgrader *websocket.Upgrader
	pending  *pendingRequests

	mu       sync.RWMutex
	owner    Owner
	peers    map[string]*peerConn
	server   *http.Server
	listener net.Listener
	started  bool
}

type peerConn struct {
	id   string
	conn *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	cfg.Config = cfg.Config.withDefaults("ws-transport")
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWebSocketConfig().WriteTimeout
	}
	if cfg.PingInterval > 0 && cfg.PongWait <= 0 {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &WebSocketTransport{
		config:   cfg,
		logger:   cfg.Logger,
		upgrader: NewWebSocketUpgrader(),
		pending:  newPendingRequests(),
		peers:    make(map[string]*peerConn),
	}
}

// Start binds the transport to owner and starts accepting connections.
func (t *WebSocketTransport) Start(ctx context.Context, owner Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errAlreadyStarted("websocket")
	}
	t.owner = owner

	if t.config.ListenAddr != "" {
		ln, err := net.Listen("tcp", t.config.ListenAddr)
		if err != nil {
			return agenterr.Transport("listening on "+t.config.ListenAddr, err)
		}
		t.listener = ln
		t.server = &http.Server{Handler: t.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func(srv *http.Server) {
			if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				t.logger.Error("server stopped", map[string]interface{}{"error": err.Error()})
			}
		}(t.server)
		t.logger.Info("listening", map[string]interface{}{
			"agent_id": owner.ID(),
			"addr":     ln.Addr().String(),
		})
	}

	t.started = true
	return nil
}

// Stop closes the listener and every peer connection. In-flight requests
// fail with TRANSPORT.
func (t *WebSocketTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	srv := t.server
	peers := t.peers
	t.server = nil
	t.listener = nil
	t.peers = make(map[string]*peerConn)
	t.started = false
	t.mu.Unlock()

	for _, pc := range peers {
		pc.close()
	}
	t.pending.failAll(agenterr.Transport("websocket transport stopped", nil))

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return agenterr.Transport("shutting down websocket server", err)
		}
	}
	return nil
}

// Addr returns the bound listener address, or "" if not listening.
func (t *WebSocketTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Handler returns the router serving the upgrade route.
func (t *WebSocketTransport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(RouteWebSocket, t.accept)
	return r
}

// Peers returns the identities of connected peers, sorted.
func (t *WebSocketTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connected reports whether a connection to peerID is open.
func (t *WebSocketTransport) Connected(peerID string) bool {
	return t.peer(peerID) != nil
}

func (t *WebSocketTransport) accept(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("agent_id")
	if peerID == "" {
		t.logger.TransportEvent("upgrade_rejected", r.RemoteAddr, agenterr.InvalidInput("missing agent_id"))
		http.Error(w, "missing agent_id query parameter", http.StatusBadRequest)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.TransportEvent("upgrade_failed", peerID, err)
		return
	}
	pc := t.register(peerID, conn)
	t.readLoop(pc)
}

// Dial opens a connection to the peer at rawURL (ws://host/a2a/ws) and
// announces this agent's identity. The transport must be started.
func (t *WebSocketTransport) Dial(ctx context.Context, peerID, rawURL string) error {
	t.mu.RLock()
	owner := t.owner
	started := t.started
	t.mu.RUnlock()
	if !started {
		return errNotStarted("websocket")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return agenterr.InvalidInput("invalid peer url " + rawURL)
	}
	q := u.Query()
	q.Set("agent_id", owner.ID())
	u.RawQuery = q.Encode()

	conn, _, err := t.config.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return agenterr.Transport("dialing "+peerID, err, agenterr.WithAgentID(peerID))
	}
	pc := t.register(peerID, conn)
	go t.readLoop(pc)
	return nil
}

// register records conn as the connection for peerID, replacing any older one.
func (t *WebSocketTransport) register(peerID string, conn *websocket.Conn) *peerConn {
	conn.SetReadLimit(t.config.MaxMessageSize)
	pc := &peerConn{id: peerID, conn: conn, done: make(chan struct{})}

	t.mu.Lock()
	old := t.peers[peerID]
	t.peers[peerID] = pc
	t.mu.Unlock()

	if old != nil {
		old.close()
	}
	if t.config.PingInterval > 0 {
		go t.pingLoop(pc)
	}
	t.logger.TransportEvent("connected", peerID, nil)
	return pc
}

func (t *WebSocketTransport) unregister(pc *peerConn, cause error) {
	t.mu.Lock()
	if t.peers[pc.id] == pc {
		delete(t.peers, pc.id)
	}
	t.mu.Unlock()
	pc.close()
	t.pending.failPeer(pc.id, agenterr.Transport("connection to "+pc.id+" lost", cause, agenterr.WithAgentID(pc.id)))
	t.logger.TransportEvent("disconnected", pc.id, cause)
}

func (t *WebSocketTransport) peer(peerID string) *peerConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[peerID]
}

// readLoop demultiplexes frames from one peer until the connection ends.
func (t *WebSocketTransport) readLoop(pc *peerConn) {
	if t.config.PongWait > 0 {
		pc.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
		pc.conn.SetPongHandler(func(string) error {
			return pc.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
		})
	}

	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			t.unregister(pc, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			t.logger.TransportEvent("bad_frame", pc.id, err)
			continue
		}

		if msg.Kind() == protocol.KindResponse {
			if resp, err := protocol.AsResponse(msg); err == nil && t.pending.resolve(resp) {
				continue
			}
		}

		go t.handleFrame(pc, msg)
	}
}

// handleFrame dispatches one inbound message and writes back any response.
func (t *WebSocketTransport) handleFrame(pc *peerConn, msg *protocol.Message) {
	t.mu.RLock()
	owner := t.owner
	t.mu.RUnlock()
	if owner == nil {
		return
	}

	data, err := dispatch(context.Background(), owner, msg)
	if err != nil {
		t.logger.TransportEvent("encode_failed", pc.id, err)
		return
	}
	if data == nil {
		return
	}
	if err := t.write(pc, data); err != nil {
		t.logger.TransportEvent("reply_failed", pc.id, err)
	}
}

func (t *WebSocketTransport) pingLoop(pc *peerConn) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pc.done:
			return
		case <-ticker.C:
			pc.writeMu.Lock()
			err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.config.WriteTimeout))
			pc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WebSocketTransport) write(pc *peerConn, data []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	pc.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	return pc.conn.WriteMessage(websocket.TextMessage, data)
}

// SendMessage writes msg to the receiver's connection.
func (t *WebSocketTransport) SendMessage(ctx context.Context, msg *protocol.Message, receiverID string) error {
	pc := t.peer(receiverID)
	if pc == nil {
		return agenterr.Unreachable(receiverID, agenterr.WithMetadata("reason", "not connected"))
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.write(pc, data); err != nil {
		return agenterr.Transport("writing to "+receiverID, err, agenterr.WithAgentID(receiverID))
	}
	return nil
}

// SendRequest writes req to the receiver and waits for the frame whose
// request_id matches req.ID.
func (t *WebSocketTransport) SendRequest(ctx context.Context, req *protocol.Request, receiverID string, timeout time.Duration) (*protocol.Response, error) {
	pc := t.peer(receiverID)
	if pc == nil {
		return nil, agenterr.Unreachable(receiverID, agenterr.WithMetadata("reason", "not connected"))
	}
	data, err := protocol.Encode(req.Message())
	if err != nil {
		return nil, err
	}

	ch := t.pending.add(req.ID, receiverID)
	if err := t.write(pc, data); err != nil {
		t.pending.remove(req.ID)
		return nil, agenterr.Transport("writing to "+receiverID, err,
			agenterr.WithAgentID(receiverID), agenterr.WithRequestID(req.ID))
	}
	return t.pending.await(ctx, ch, req, receiverID, t.config.timeout(timeout))
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		pc.writeMu.Lock()
		pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		pc.writeMu.Unlock()
		pc.conn.Close()
	})
}
