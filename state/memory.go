package state

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a StateStore for a single process. Revisions are global
// to the store and increase by one per change.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]KeyValue
	watches  []memoryWatch
	revision uint64
	closed   bool
}

type memoryWatch struct {
	pattern string
	ch      chan *KeyValue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]KeyValue{}}
}

// Get returns a copy of the value at key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.Value), nil
}

func (s *MemoryStore) Put(key string, value []byte) error {
	return s.change(key, func() (KeyValue, bool) {
		return KeyValue{Key: key, Value: bytes.Clone(value), Operation: OpPut}, true
	})
}

// Delete of a missing key changes nothing and notifies no one.
func (s *MemoryStore) Delete(key string) error {
	return s.change(key, func() (KeyValue, bool) {
		_, ok := s.entries[key]
		return KeyValue{Key: key, Operation: OpDelete}, ok
	})
}

// change applies the entry built by fn under the write lock, stamps its
// revision and tells matching watchers. fn returns false for a no-op.
func (s *MemoryStore) change(key string, fn func() (KeyValue, bool)) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, ok := fn()
	if !ok {
		return nil
	}
	s.revision++
	e.Revision = s.revision
	e.Modified = time.Now()
	if e.Operation == OpDelete {
		delete(s.entries, key)
	} else {
		s.entries[key] = e
	}

	for _, w := range s.watches {
		if !MatchPattern(w.pattern, key) {
			continue
		}
		ev := e
		ev.Value = bytes.Clone(e.Value)
		select {
		case w.ch <- &ev:
		default: // slow watcher; the change is lost to it
		}
	}
	return nil
}

func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := []string{}
	for k := range s.entries {
		if MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch streams later changes to keys matching pattern.
func (s *MemoryStore) Watch(pattern string) (<-chan *KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ch := make(chan *KeyValue, 64)
	s.watches = append(s.watches, memoryWatch{pattern: pattern, ch: ch})
	return ch, nil
}

// Close drops all entries and closes every watch channel.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, w := range s.watches {
		close(w.ch)
	}
	s.watches, s.entries = nil, nil
	return nil
}
