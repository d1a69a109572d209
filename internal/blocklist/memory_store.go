package blocklist

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	failErr  error
}

// NewMemoryStore creates an in-memory blocklist store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]*Entity)}
}

// SetUnavailable makes every subsequent call fail with err (nil restores service).
func (s *MemoryStore) SetUnavailable(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) Get(ctx context.Context, entityID string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	e, ok := s.entities[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	cp := *e
	s.entities[e.EntityID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.entities[entityID]; !ok {
		return ErrNotFound
	}
	delete(s.entities, entityID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	result := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		cp := *e
		result = append(result, &cp)
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failErr
}

func sortNewestFirst(entities []*Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].BlockedAt.Equal(entities[j].BlockedAt) {
			return entities[i].EntityID < entities[j].EntityID
		}
		return entities[i].BlockedAt.After(entities[j].BlockedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
