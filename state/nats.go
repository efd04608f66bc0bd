package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/agentbeats/logging"
)

// NATSStoreConfig configures a JetStream KV backed store.
type NATSStoreConfig struct {
	Conn *nats.Conn // required

	Bucket       string        // default "a2a-state"
	TTL          time.Duration // expires every entry; 0 keeps them
	History      int           // revisions kept per key; default 1
	MaxValueSize int32         // default 1MB
	OpTimeout    time.Duration // per operation; default 5s

	// Logger reports watch events dropped for a slow reader.
	Logger *logging.Logger
}

// DefaultNATSStoreConfig returns the defaults used for a coordinator's
// state mirror.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "a2a-state",
		History:      1,
		MaxValueSize: 1 << 20,
		OpTimeout:    5 * time.Second,
	}
}

func (c *NATSStoreConfig) fill() {
	d := DefaultNATSStoreConfig()
	if c.Bucket == "" {
		c.Bucket = d.Bucket
	}
	if c.History <= 0 {
		c.History = d.History
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = d.MaxValueSize
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
}

// NATSStore is a StateStore on a JetStream KV bucket, so shared state
// written by a coordinator can be read and watched by any node on the same
// NATS cluster. Keys are escaped into the KV key alphabet; callers see
// them unchanged.
type NATSStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSStoreConfig

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSStore opens the bucket, creating it if needed.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	cfg.fill()

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.OpTimeout)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", cfg.Bucket, err)
	}

	s := &NATSStore{conn: cfg.Conn, kv: kv, config: cfg}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *NATSStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// do runs fn with the per-operation deadline once the store is open.
func (s *NATSStore) do(fn func(ctx context.Context) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.config.OpTimeout)
	defer cancel()
	return fn(ctx)
}

// run is do for single-key operations; fn gets the escaped key.
func (s *NATSStore) run(key string, fn func(ctx context.Context, kvKey string) error) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.do(func(ctx context.Context) error { return fn(ctx, escapeKey(key)) })
}

func (s *NATSStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.run(key, func(ctx context.Context, k string) error {
		entry, err := s.kv.Get(ctx, k)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("kv get %s: %w", key, err)
		}
		value = entry.Value()
		return nil
	})
	return value, err
}

func (s *NATSStore) Put(key string, value []byte) error {
	return s.run(key, func(ctx context.Context, k string) error {
		if _, err := s.kv.Put(ctx, k, value); err != nil {
			return fmt.Errorf("kv put %s: %w", key, err)
		}
		return nil
	})
}

func (s *NATSStore) Delete(key string) error {
	return s.run(key, func(ctx context.Context, k string) error {
		if err := s.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("kv delete %s: %w", key, err)
		}
		return nil
	})
}

// Keys lists the bucket and filters locally.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	keys := []string{}
	err := s.do(func(ctx context.Context) error {
		lister, err := s.kv.ListKeys(ctx)
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("kv list keys: %w", err)
		}
		for k := range lister.Keys() {
			if key := unescapeKey(k); MatchPattern(pattern, key) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// watchFilter narrows the KV watch to whole dot-separated tokens where the
// pattern allows it; anything finer is filtered locally.
func watchFilter(pattern string) string {
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	switch {
	case pattern == "" || pattern == "*":
		return ">"
	case !wildcard:
		return escapeKey(pattern)
	case strings.HasSuffix(prefix, "."):
		return escapeKey(prefix) + ">"
	default:
		return ">"
	}
}

// Watch streams changes to keys matching pattern. Values present when the
// watch starts are not replayed.
func (s *NATSStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	watcher, err := s.kv.Watch(s.ctx, watchFilter(pattern), jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}

	ch := make(chan *KeyValue, 64)
	go s.forward(watcher, ch, pattern)
	return ch, nil
}

func (s *NATSStore) forward(watcher jetstream.KeyWatcher, ch chan<- *KeyValue, pattern string) {
	defer close(ch)
	defer watcher.Stop()

	for {
		var entry jetstream.KeyValueEntry
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-watcher.Updates():
			if !ok {
				return
			}
			entry = e
		}
		if entry == nil {
			continue
		}
		key := unescapeKey(entry.Key())
		if !MatchPattern(pattern, key) {
			continue
		}

		change := &KeyValue{
			Key:       key,
			Revision:  entry.Revision(),
			Operation: OpPut,
			Modified:  entry.Created(),
		}
		switch entry.Operation() {
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			change.Operation = OpDelete
		default:
			change.Value = entry.Value()
		}

		select {
		case ch <- change:
		default:
			if s.config.Logger != nil {
				s.config.Logger.Warn("watch reader too slow, change dropped", map[string]interface{}{
					"key":      key,
					"revision": change.Revision,
				})
			}
		}
	}
}

// Close stops all watches. The connection stays open.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cancel()
	}
	return nil
}

func (s *NATSStore) Conn() *nats.Conn {
	return s.conn
}

// KV keys allow only [-/_=.A-Za-z0-9]. Any other byte, and '=' itself,
// becomes '=' followed by two hex digits.
func escapeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if kvSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "=%02X", c)
	}
	return b.String()
}

func unescapeKey(key string) string {
	if !strings.Contains(key, "=") {
		return key
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		if key[i] == '=' && i+2 < len(key) {
			if c, err := strconv.ParseUint(key[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(c))
				i += 2
				continue
			}
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

func kvSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '/' || c == '_' || c == '.':
		return true
	}
	return false
}
