package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	goruntime "runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentbeats/agent"
	"github.com/vinayprograms/agentbeats/bus"
	"github.com/vinayprograms/agentbeats/config"
	"github.com/vinayprograms/agentbeats/directory"
	"github.com/vinayprograms/agentbeats/heartbeat"
	"github.com/vinayprograms/agentbeats/logging"
	"github.com/vinayprograms/agentbeats/ratelimit"
	"github.com/vinayprograms/agentbeats/shutdown"
	"github.com/vinayprograms/agentbeats/telemetry"
	"github.com/vinayprograms/agentbeats/transport"
)

// phaseConnection closes the shared NATS connection after every store
// that uses it.
const phaseConnection = shutdown.PhaseStorage + 5

// node is one agent process: a runtime on the configured transport plus
// the directory, heartbeats and telemetry around it. Everything it opens
// is registered with the shutdown manager.
type node struct {
	cfg      *config.Config
	logger   *logging.Logger
	shutdown *shutdown.Manager

	conn *nats.Conn
	bus  bus.MessageBus

	transport transport.Transport
	ws        *transport.WebSocketTransport
	dir       directory.Directory
	index     *directory.Index
	runtime   *agent.Runtime
	limiter   ratelimit.Limiter

	tracer   *telemetry.Tracer
	metrics  *telemetry.Metrics
	exporter telemetry.Exporter
	monitor  *heartbeat.Monitor
}

// newNode builds a node from cfg. Nothing listens until start.
func newNode(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*node, error) {
	mgr := shutdown.NewManager(shutdown.DefaultConfig())
	mgr.SetLogger(logger.WithComponent("shutdown"))
	n := &node{cfg: cfg, logger: logger, shutdown: mgr}

	steps := []func() error{
		func() error { return n.initTelemetry(ctx) },
		n.connectNATS,
		n.initLimiter,
		n.initDirectory,
		n.initTransport,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			// Release whatever the earlier steps opened.
			n.close()
			return nil, err
		}
	}

	meta := make(map[string]interface{}, len(cfg.Agent.Metadata))
	for k, v := range cfg.Agent.Metadata {
		meta[k] = v
	}
	rcfg := agent.Config{
		ID:             cfg.Agent.ID,
		Name:           cfg.Agent.Name,
		Capabilities:   cfg.Agent.Capabilities,
		Metadata:       meta,
		Transport:      n.transport,
		RequestTimeout: cfg.Transport.RequestTimeout,
		Logger:         logger,
		Tracer:         n.tracer,
		Metrics:        n.metrics,
		Exporter:       n.exporter,
	}
	if cfg.Limits.RequestsPerSender > 0 {
		rcfg.Limiter = n.limiter
	}
	n.runtime = agent.New(rcfg)
	mgr.RegisterWithPhase("runtime", n.runtime, shutdown.PhaseIntake)
	return n, nil
}

func (n *node) initTelemetry(ctx context.Context) error {
	tc := n.cfg.Telemetry
	n.tracer = telemetry.GetTracer()
	if tc.OTLPEndpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: tc.ServiceName,
			AgentID:     n.cfg.Agent.ID,
			Endpoint:    tc.OTLPEndpoint,
			Protocol:    tc.OTLPProtocol,
			Insecure:    tc.Insecure,
			Debug:       tc.Debug,
			SampleRatio: tc.SampleRatio,
		})
		if err != nil {
			return err
		}
		n.tracer = provider.Tracer()
		telemetry.SetGlobalTracer(n.tracer)
		n.shutdown.RegisterWithPhase("tracing", provider, shutdown.PhaseTelemetry)
	}

	metrics, err := telemetry.NewMetrics(tc.ServiceName)
	if err != nil {
		return err
	}
	n.metrics = metrics
	n.shutdown.RegisterFunc("metrics", shutdown.PhaseTelemetry, metrics.Shutdown)

	exporter, err := telemetry.NewExporter(tc.EventsProtocol, tc.EventsEndpoint)
	if err != nil {
		return err
	}
	n.exporter = exporter
	n.shutdown.RegisterFunc("events", shutdown.PhaseTelemetry, func(context.Context) error {
		return errors.Join(exporter.Flush(), exporter.Close())
	})
	return nil
}

func (n *node) connectNATS() error {
	if !n.cfg.UsesNATS() {
		return nil
	}
	nc := n.cfg.NATS
	bcfg := bus.DefaultNATSConfig()
	bcfg.URL = nc.URL
	bcfg.Name = nc.Name
	if bcfg.Name == "" {
		bcfg.Name = n.cfg.Agent.ID
	}
	bcfg.Token = nc.Token
	bcfg.User = nc.User
	bcfg.Password = nc.Password
	bcfg.Logger = n.logger.WithComponent("nats")

	conn, err := bus.Connect(bcfg)
	if err != nil {
		return err
	}
	n.conn = conn
	n.bus = bus.NewNATSBusFromConn(conn, bcfg)
	n.shutdown.RegisterFunc("nats", phaseConnection, func(context.Context) error {
		return conn.Drain()
	})
	return nil
}

// initLimiter builds the limiter shared by inbound admission and the LLM
// quota. With a bus, capacity cuts are broadcast to the rest of the swarm.
func (n *node) initLimiter() error {
	lc := n.cfg.Limits
	if lc.RequestsPerSender <= 0 && lc.LLMRequests <= 0 {
		return nil
	}

	var ml *ratelimit.MemoryLimiter
	if n.bus != nil {
		shared, err := ratelimit.NewSharedLimiter(ratelimit.SharedConfig{
			Bus:     n.bus,
			AgentID: n.cfg.Agent.ID,
			Logger:  n.logger.WithComponent("ratelimit"),
		})
		if err != nil {
			return err
		}
		shared.OnUpdate(func(u ratelimit.CapacityUpdate) {
			n.logger.Info("capacity lowered by peer", map[string]interface{}{
				"key":      u.Key,
				"agent_id": u.AgentID,
				"capacity": u.NewCapacity,
				"reason":   u.Reason,
			})
		})
		ml = shared.MemoryLimiter
		n.limiter = shared
	} else {
		ml = ratelimit.NewMemoryLimiter()
		n.limiter = ml
	}
	ml.SetDefault(lc.RequestsPerSender, lc.Window)

	limiter := n.limiter
	n.shutdown.RegisterFunc("ratelimit", shutdown.PhaseStorage, func(context.Context) error {
		return limiter.Close()
	})
	return nil
}

func (n *node) initDirectory() error {
	dc := n.cfg.Directory
	switch dc.Kind {
	case config.DirectoryNATS:
		dcfg := directory.DefaultNATSConfig()
		dcfg.BucketName = dc.Bucket
		dcfg.TTL = dc.TTL
		d, err := directory.NewNATSDirectory(n.conn, dcfg)
		if err != nil {
			return err
		}
		n.dir = d
	default:
		n.dir = directory.NewMemory(directory.MemoryConfig{TTL: dc.TTL})
	}
	n.shutdown.RegisterFunc("directory", shutdown.PhaseStorage, func(context.Context) error {
		return n.dir.Close()
	})

	index, err := directory.NewIndex()
	if err != nil {
		return err
	}
	n.index = index
	n.shutdown.RegisterFunc("index", shutdown.PhaseStorage, func(context.Context) error {
		return index.Close()
	})
	return nil
}

func (n *node) initTransport() error {
	tc := n.cfg.Transport
	base := transport.Config{
		RequestTimeout: tc.RequestTimeout,
		MaxMessageSize: tc.MaxMessageSize,
		Logger:         n.logger,
	}

	switch tc.Kind {
	case config.TransportWebSocket:
		wcfg := transport.DefaultWebSocketConfig()
		wcfg.Config = base
		wcfg.ListenAddr = tc.Listen
		wcfg.PingInterval = tc.PingInterval
		n.ws = transport.NewWebSocketTransport(wcfg)
		n.transport = n.ws
	case config.TransportNATS:
		n.transport = transport.NewBusTransport(transport.BusConfig{Config: base, Bus: n.bus})
	default:
		hcfg := transport.DefaultHTTPConfig()
		hcfg.Config = base
		hcfg.ListenAddr = tc.Listen
		hcfg.BaseURL = tc.BaseURL
		hcfg.Endpoints = tc.Peers
		hcfg.Resolver = n.dir
		n.transport = transport.NewHTTPTransport(hcfg)
	}
	return nil
}

// start brings the node online: transport, peer connections, directory
// registration, the search index, heartbeats, then the metrics and MCP
// listeners.
func (n *node) start(ctx context.Context) error {
	if err := n.runtime.Start(ctx); err != nil {
		return err
	}

	if n.ws != nil && len(n.cfg.Transport.Peers) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for peerID, url := range n.cfg.Transport.Peers {
			g.Go(func() error {
				if err := n.ws.Dial(gctx, peerID, url); err != nil {
					return fmt.Errorf("dial %s: %w", peerID, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	id := n.runtime.ID()
	if err := n.dir.Register(id, n.runtime.Capabilities(), n.cfg.Transport.BaseURL); err != nil {
		return err
	}
	n.shutdown.RegisterFunc("unregister", shutdown.PhaseCoordination, func(context.Context) error {
		return n.dir.Unregister(id)
	})

	followCtx, stopFollow := context.WithCancel(context.Background())
	go func() {
		if err := n.index.Follow(followCtx, n.dir); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Warn("directory index stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	n.shutdown.RegisterFunc("index-follow", shutdown.PhaseCoordination, func(context.Context) error {
		stopFollow()
		return nil
	})

	if err := n.startHeartbeat(); err != nil {
		return err
	}
	if err := n.serveMetrics(); err != nil {
		return err
	}
	return n.serveMCP()
}

func (n *node) startHeartbeat() error {
	hc := n.cfg.Heartbeat
	if hc.Interval <= 0 || n.bus == nil {
		return nil
	}

	scfg := heartbeat.DefaultSenderConfig()
	scfg.Bus = n.bus
	scfg.AgentID = n.runtime.ID()
	scfg.Interval = hc.Interval
	scfg.Probe = n.heartbeatProbe
	scfg.Logger = n.logger
	sender, err := heartbeat.NewSender(scfg)
	if err != nil {
		return err
	}
	if err := sender.Start(context.Background()); err != nil {
		return err
	}
	n.shutdown.RegisterWithPhase("heartbeat", sender, shutdown.PhaseCoordination)

	mcfg := heartbeat.DefaultMonitorConfig()
	mcfg.Bus = n.bus
	mcfg.Timeout = hc.Timeout
	mcfg.Logger = n.logger
	monitor, err := heartbeat.NewMonitor(mcfg)
	if err != nil {
		return err
	}
	directory.EvictDead(n.dir, monitor, n.logger.WithComponent("directory"))
	if err := monitor.Start(); err != nil {
		return err
	}
	n.monitor = monitor
	n.shutdown.RegisterWithPhase("heartbeat-monitor", monitor, shutdown.PhaseCoordination)
	return nil
}

// heartbeatProbe reports busy while any handler runs. Load is running
// handlers per CPU.
func (n *node) heartbeatProbe() (string, float64) {
	active := n.runtime.ActiveRequests()
	load := float64(active) / float64(goruntime.GOMAXPROCS(0))
	switch {
	case !n.runtime.Running():
		return heartbeat.StatusDraining, load
	case active > 0:
		return heartbeat.StatusBusy, load
	default:
		return heartbeat.StatusIdle, load
	}
}

func (n *node) serveMetrics() error {
	addr := n.cfg.Telemetry.MetricsAddr
	if addr == "" {
		return nil
	}
	r := chi.NewRouter()
	r.Handle("/metrics", n.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	n.shutdown.RegisterWithPhase("metrics-server", shutdown.ShutdownFunc(srv.Shutdown), shutdown.PhaseIntake)
	n.logger.Info("serving metrics", map[string]interface{}{"addr": addr})
	return nil
}

// close runs the shutdown manager with the configured timeout.
func (n *node) close() error {
	return n.shutdown.ShutdownWithTimeout(0)
}
