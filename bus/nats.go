package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/agentbeats/logging"
)

// NATSConfig configures a NATS connection for agent traffic.
type NATSConfig struct {
	Config

	URL  string // default nats.DefaultURL
	Name string // client name shown by the server; nodes use their agent id

	Token    string
	User     string
	Password string

	ReconnectWait  time.Duration
	MaxReconnects  int // -1 retries forever
	ConnectTimeout time.Duration

	// Logger receives disconnect, reconnect and slow-subscriber events.
	// nil keeps the connection quiet.
	Logger *logging.Logger
}

// DefaultNATSConfig reconnects forever, two seconds apart.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c NATSConfig) options() []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	switch {
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	case c.User != "":
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}

	if log := c.Logger; log != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				fields := map[string]interface{}{"url": c.URL}
				if err != nil {
					fields["error"] = err.Error()
				}
				log.Warn("nats disconnected", fields)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("nats reconnected", map[string]interface{}{"url": nc.ConnectedUrl()})
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				fields := map[string]interface{}{"error": err.Error()}
				if sub != nil {
					fields["subject"] = sub.Subject
				}
				log.Error("nats async error", fields)
			}),
		)
	}
	return opts
}

// Connect dials NATS. Nodes share the connection between the bus, the
// directory and the state store.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// NATSBus is a MessageBus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	owned  bool
}

// NewNATSBus dials its own connection, closed by Close.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	b := NewNATSBusFromConn(conn, cfg)
	b.owned = true
	return b, nil
}

// NewNATSBusFromConn wraps a shared connection. Close leaves it open.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &NATSBus{conn: conn, config: cfg}
}

func (b *NATSBus) ready(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.ready(subject); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe joins queue group queue; each message goes to one member.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := b.ready(subject); err != nil {
		return nil, err
	}

	s := &natsSubscription{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		log:     b.config.Logger,
	}
	handler := func(m *nats.Msg) {
		s.deliver(&Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply})
	}

	var err error
	if queue == "" {
		s.sub, err = b.conn.Subscribe(subject, handler)
	} else {
		s.sub, err = b.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return s, nil
}

// Request maps the NATS timeout and no-responders errors onto the bus
// sentinels so callers need not import nats.
func (b *NATSBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := b.ready(subject); err != nil {
		return nil, err
	}

	reply, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout):
			return nil, ErrTimeout
		case errors.Is(err, nats.ErrNoResponders):
			return nil, ErrNoResponders
		}
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return &Message{Subject: reply.Subject, Data: reply.Data, Reply: reply.Reply}, nil
}

func (b *NATSBus) Close() error {
	if b.owned {
		b.conn.Close()
	}
	return nil
}

func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// natsSubscription buffers deliveries from the NATS callback. When the
// buffer is full the message is dropped and counted; the first drop and
// every hundredth after it are logged.
type natsSubscription struct {
	sub     *nats.Subscription
	subject string
	log     *logging.Logger
	dropped atomic.Int64

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func (s *natsSubscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
		return
	default:
	}
	if n := s.dropped.Add(1); s.log != nil && n%100 == 1 {
		s.log.Warn("subscriber buffer full, dropping", map[string]interface{}{
			"subject": s.subject,
			"dropped": n,
		})
	}
}

// Dropped returns how many messages were discarded for a full buffer.
func (s *natsSubscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	return err
}
