package meshsync

import (
	"sort"
	"sync"
)

// Store is an in-memory mapping from entity identifier to entity value.
// One instance serves one collection (peers, nodes, workloads). Mutations
// notify subscribers so dependent views can recompute. Stores are never
// cleared implicitly on reconnect; only Reset empties them.
type Store[E Entity] struct {
	mu       sync.RWMutex
	entities map[string]E
	subs     map[int]func()
	nextSub  int
}

func NewStore[E Entity]() *Store[E] {
	return &Store[E]{
		entities: map[string]E{},
		subs:     map[int]func(){},
	}
}

// Upsert inserts or replaces by identifier. Entities with an empty identifier
// are rejected; the store invariant is that every entry has a non-empty key.
func (s *Store[E]) Upsert(entity E) {
	id := entity.EntityID()
	if id == "" {
		return
	}
	s.mu.Lock()
	s.entities[id] = entity
	s.mu.Unlock()
	s.notify()
}

// Remove deletes by identifier, a no-op when absent.
func (s *Store[E]) Remove(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	_, present := s.entities[id]
	if present {
		delete(s.entities, id)
	}
	s.mu.Unlock()
	if present {
		s.notify()
	}
}

// MergeSnapshot upserts every snapshot entry. Entries absent from the snapshot
// are NOT removed: a stale snapshot arriving after an event must not delete
// entities the event already added.
func (s *Store[E]) MergeSnapshot(entities []E) {
	s.mu.Lock()
	changed := false
	for _, entity := range entities {
		id := entity.EntityID()
		if id == "" {
			continue
		}
		s.entities[id] = entity
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store[E]) Get(id string) (E, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[id]
	return entity, ok
}

// List returns the current value set, sorted by identifier.
func (s *Store[E]) List() []E {
	s.mu.RLock()
	out := make([]E, 0, len(s.entities))
	for _, entity := range s.entities {
		out = append(out, entity)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

func (s *Store[E]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Reset empties the store. Explicit use only.
func (s *Store[E]) Reset() {
	s.mu.Lock()
	s.entities = map[string]E{}
	s.mu.Unlock()
	s.notify()
}

// Subscribe registers a change callback fired after every mutating call.
// The returned function unsubscribes.
func (s *Store[E]) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store[E]) notify() {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
