// Package store holds the last known property values of a charger.
//
// The store has a single writer (the connection's receive loop) and any number
// of readers. Every write applies one whole message under the lock, so readers
// never observe a half-applied message.
package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/markus-barta/wattpilot/internal/protocol"
)

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Properties  map[string]protocol.Value `json:"properties"`
	Initialized bool                      `json:"initialized"`
	Version     uint64                    `json:"version"`
}

// Keys returns the snapshot's property keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store is the in-memory property map.
type Store struct {
	mu          sync.RWMutex
	props       map[string]protocol.Value
	initialized bool
	version     atomic.Uint64
}

// New creates an empty, uninitialized store.
func New() *Store {
	return &Store{props: make(map[string]protocol.Value)}
}

// Get returns the last known value for key.
func (s *Store) Get(key string) (protocol.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.props[key]
	return v, ok
}

// All returns a consistent copy of every property.
func (s *Store) All() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	props := make(map[string]protocol.Value, len(s.props))
	for k, v := range s.props {
		props[k] = v
	}
	return Snapshot{
		Properties:  props,
		Initialized: s.initialized,
		Version:     s.version.Load(),
	}
}

// Len returns the number of known properties.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.props)
}

// Initialized reports whether a complete full sync has been applied since the
// last Invalidate.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Version returns a counter bumped on every applied message.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Apply upserts a single key.
func (s *Store) Apply(key string, v protocol.Value) {
	s.mu.Lock()
	s.props[key] = v
	s.mu.Unlock()
	s.version.Add(1)
}

// ApplyBatch upserts all updates of one message atomically, in order.
func (s *Store) ApplyBatch(updates []protocol.Update) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	for _, u := range updates {
		s.props[u.Key] = u.Value
	}
	s.mu.Unlock()
	s.version.Add(1)
}

// BeginSync discards everything held from a previous session. It is called
// with the first full-sync chunk of a connection.
func (s *Store) BeginSync() {
	s.mu.Lock()
	s.props = make(map[string]protocol.Value)
	s.initialized = false
	s.mu.Unlock()
	s.version.Add(1)
}

// ApplySync applies one full-sync chunk. The final chunk marks the store
// initialized and reports whether this call performed that transition.
func (s *Store) ApplySync(updates []protocol.Update, final bool) bool {
	s.mu.Lock()
	for _, u := range updates {
		s.props[u.Key] = u.Value
	}
	transitioned := final && !s.initialized
	if final {
		s.initialized = true
	}
	s.mu.Unlock()
	s.version.Add(1)
	return transitioned
}

// Invalidate marks the store as not authoritative. Values are kept for
// diagnostics but readers must treat them as stale.
func (s *Store) Invalidate() {
	s.mu.Lock()
	changed := s.initialized
	s.initialized = false
	s.mu.Unlock()
	if changed {
		s.version.Add(1)
	}
}
