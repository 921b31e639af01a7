package quota

import "sync"

// Store holds per-key tracker state. Implementations must be safe for
// concurrent use; the in-memory store is the default and the Redis store
// shares state across processes.
type Store interface {
	Get(key Key) (State, bool)
	Set(key Key, st State)
	Delete(key Key)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Get returns the state for the key.
func (s *MemoryStore) Get(key Key) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key.String()]
	return st, ok
}

// Set stores the state for the key.
func (s *MemoryStore) Set(key Key, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key.String()] = st
}

// Delete removes the key's state.
func (s *MemoryStore) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key.String())
}
