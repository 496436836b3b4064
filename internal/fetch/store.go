package fetch

import (
	"maps"
	"sync"

	"sigcast/internal/signals"
)

// Store maps signal IDs to fetched payloads. Entries are only ever added.
type Store struct {
	mu   sync.RWMutex
	data map[signals.ID]Payload
}

func NewStore() *Store {
	return &Store{data: map[signals.ID]Payload{}}
}

func (s *Store) Get(id signals.ID) (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[id]
	return p, ok
}

func (s *Store) Has(id signals.ID) bool {
	_, ok := s.Get(id)
	return ok
}

func (s *Store) Put(id signals.ID, p Payload) {
	s.mu.Lock()
	s.data[id] = p
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Snapshot returns a copy of the map.
func (s *Store) Snapshot() map[signals.ID]Payload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data)
}
