package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for tests and for running several agents in one process.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	groups map[string]*queueGroup // pattern + "\x00" + queue
	closed atomic.Bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  atomic.Uint64
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  bool // guarded by bus.mu
	bus     *MemoryBus
}

type queueGroup struct {
	pattern string
	members []*memorySub
	next    int
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:    cfg,
		groups:    make(map[string]*queueGroup),
		replySubs: make(map[string]chan *Message),
	}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}
	if b.deliverToReply(msg) {
		return nil
	}
	b.deliver(msg)
	return nil
}

// deliver fans msg out and reports whether any subscriber matched.
// Full subscriber buffers drop the message.
func (b *MemoryBus) deliver(msg *Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := false
	for _, sub := range b.subs {
		if !sub.closed && MatchSubject(sub.pattern, msg.Subject) {
			matched = true
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}

	for _, g := range b.groups {
		if len(g.members) == 0 || !MatchSubject(g.pattern, msg.Subject) {
			continue
		}
		matched = true
		g.offer(msg)
	}
	return matched
}

// offer hands msg to the next member with buffer space, round-robin.
func (g *queueGroup) offer(msg *Message) {
	n := len(g.members)
	for i := 0; i < n; i++ {
		idx := (g.next + i) % n
		select {
		case g.members[idx].ch <- msg:
			g.next = (idx + 1) % n
			return
		default:
		}
	}
}

func (b *MemoryBus) deliverToReply(msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[msg.Subject]
	if ok {
		delete(b.replySubs, msg.Subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg // buffered, single use
	}
	return ok
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if queue == "" {
		b.subs = append(b.subs, sub)
		return sub, nil
	}
	key := subject + "\x00" + queue
	g := b.groups[key]
	if g == nil {
		g = &queueGroup{pattern: subject}
		b.groups[key] = g
	}
	g.members = append(g.members, sub)
	return sub, nil
}

// Request sends a request and waits for a reply.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := fmt.Sprintf("_INBOX.%d", b.replySeq.Add(1))
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	cancel := func() {
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
	}

	if !b.deliver(&Message{Subject: subject, Data: data, Reply: replySubject}) {
		cancel()
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		cancel()
		return nil, ErrTimeout
	}
}

// Close shuts down the bus and ends every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		sub.close()
	}
	for _, g := range b.groups {
		for _, sub := range g.members {
			sub.close()
		}
	}
	b.subs = nil
	b.groups = make(map[string]*queueGroup)
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.queue == "" {
		for i, sub := range b.subs {
			if sub == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	} else if g := b.groups[s.pattern+"\x00"+s.queue]; g != nil {
		for i, sub := range g.members {
			if sub == s {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		if g.next >= len(g.members) {
			g.next = 0
		}
	}
	s.close()
	return nil
}

// close must be called with bus.mu held.
func (s *memorySub) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
