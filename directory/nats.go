package directory

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/agentbeats/protocol"
)

// NATSDirectory implements Directory using a NATS JetStream KV bucket.
// Every process opening the same bucket sees the same agents.
type NATSDirectory struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSConfig

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
}

// NATSConfig configures the NATS directory.
type NATSConfig struct {
	// BucketName is the KV bucket name. Default: "a2a-directory"
	BucketName string

	// TTL for entries; agents must re-register within it. Zero means no expiry.
	TTL time.Duration

	// Replicas for the KV store (1-5). Default: 1
	Replicas int

	// OpTimeout bounds each KV operation. Default: 5s
	OpTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		BucketName: "a2a-directory",
		Replicas:   1,
		OpTimeout:  5 * time.Second,
	}
}

// NewNATSDirectory opens (or creates) the directory bucket on conn.
func NewNATSDirectory(conn *nats.Conn, cfg NATSConfig) (*NATSDirectory, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}
	d := DefaultNATSConfig()
	if cfg.BucketName == "" {
		cfg.BucketName = d.BucketName
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = d.Replicas
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = d.OpTimeout
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancelOp := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancelOp()

	kvCfg := jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
		TTL:      cfg.TTL,
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	dir := &NATSDirectory{
		conn:   conn,
		kv:     kv,
		config: cfg,
		cancel: cancel,
	}
	go dir.watchKV(watchCtx)
	return dir, nil
}

func (d *NATSDirectory) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *NATSDirectory) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.config.OpTimeout)
}

// Register adds or replaces an agent.
func (d *NATSDirectory) Register(agentID string, caps protocol.Capabilities, endpoint string) error {
	if agentID == "" {
		return ErrInvalidID
	}
	if err := d.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(newEntry(agentID, caps, endpoint))
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	ctx, cancel := d.opContext()
	defer cancel()
	if _, err := d.kv.Put(ctx, agentID, data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}
	return nil
}

// Unregister removes an agent. Unknown IDs are ignored.
func (d *NATSDirectory) Unregister(agentID string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if agentID == "" {
		return nil
	}

	ctx, cancel := d.opContext()
	defer cancel()

	if _, err := d.kv.Get(ctx, agentID); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("get from kv: %w", err)
	}
	if err := d.kv.Delete(ctx, agentID); err != nil {
		return fmt.Errorf("delete from kv: %w", err)
	}
	return nil
}

// Get retrieves an agent by ID.
func (d *NATSDirectory) Get(agentID string) (*Entry, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if agentID == "" {
		return nil, ErrNotFound
	}

	ctx, cancel := d.opContext()
	defer cancel()

	kve, err := d.kv.Get(ctx, agentID)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get from kv: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(kve.Value(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, nil
}

// FindByCapability returns IDs of agents advertising tag, sorted.
func (d *NATSDirectory) FindByCapability(tag string) ([]string, error) {
	entries, err := d.List()
	if err != nil {
		return nil, err
	}
	return matchIDs(entries, func(e Entry) bool { return e.Capabilities.HasCapability(tag) }), nil
}

// FindByAction returns IDs of agents supporting action, sorted.
func (d *NATSDirectory) FindByAction(action string) ([]string, error) {
	entries, err := d.List()
	if err != nil {
		return nil, err
	}
	return matchIDs(entries, func(e Entry) bool { return e.Capabilities.SupportsAction(action) }), nil
}

// GetEndpoint returns the endpoint recorded for agentID.
func (d *NATSDirectory) GetEndpoint(agentID string) (string, bool) {
	entry, err := d.Get(agentID)
	if err != nil {
		return "", false
	}
	return entry.Endpoint, true
}

// List returns all entries sorted by ID.
func (d *NATSDirectory) List() ([]Entry, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := d.opContext()
	defer cancel()

	keys, err := d.kv.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		kve, err := d.kv.Get(ctx, key)
		if err != nil {
			continue // Key might have been deleted
		}
		var entry Entry
		if err := json.Unmarshal(kve.Value(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

// Watch returns a channel of directory events.
func (d *NATSDirectory) Watch() (<-chan Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, 64)
	d.watchers = append(d.watchers, ch)
	return ch, nil
}

// Close stops the watcher. The connection stays open.
func (d *NATSDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.cancel()

	for _, ch := range d.watchers {
		close(ch)
	}
	d.watchers = nil
	return nil
}

// Conn returns the underlying NATS connection.
func (d *NATSDirectory) Conn() *nats.Conn {
	return d.conn
}

// watchKV turns bucket updates into directory events. Entries present
// before the watch started are recorded but not reported.
func (d *NATSDirectory) watchKV(ctx context.Context) {
	watcher, err := d.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer watcher.Stop()

	known := make(map[string]bool)
	initialized := false

	for {
		select {
		case <-ctx.Done():
			return
		case kve, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if kve == nil {
				// End of initial values.
				initialized = true
				continue
			}
			event, ok := eventFromKV(kve, known)
			if !ok || !initialized {
				continue
			}

			d.mu.RLock()
			if d.closed {
				d.mu.RUnlock()
				return
			}
			for _, ch := range d.watchers {
				select {
				case ch <- event:
				default:
				}
			}
			d.mu.RUnlock()
		}
	}
}

// eventFromKV classifies kve against the set of keys seen so far and
// updates that set.
func eventFromKV(kve jetstream.KeyValueEntry, known map[string]bool) (Event, bool) {
	switch kve.Operation() {
	case jetstream.KeyValuePut:
		var entry Entry
		if err := json.Unmarshal(kve.Value(), &entry); err != nil {
			return Event{}, false
		}
		eventType := EventUpdated
		if !known[kve.Key()] {
			eventType = EventAdded
			known[kve.Key()] = true
		}
		return Event{Type: eventType, Entry: entry}, true
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		delete(known, kve.Key())
		return Event{Type: EventRemoved, Entry: Entry{AgentID: kve.Key()}}, true
	}
	return Event{}, false
}
