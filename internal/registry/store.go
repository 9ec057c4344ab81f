package registry

import "sync"

// Store holds live rooms. The registry is written against this
// interface so the in-memory table can later be swapped without
// touching callers.
type Store interface {
	Get(id string) (*Room, bool)
	Put(r *Room)
	Delete(id string)
	Len() int
	All() []*Room
}

type MemStore struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewMemStore() *MemStore {
	return &MemStore{rooms: make(map[string]*Room)}
}

func (s *MemStore) Get(id string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

func (s *MemStore) Put(r *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.id] = r
}

func (s *MemStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
}

func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (s *MemStore) All() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}
