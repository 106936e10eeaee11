package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/trustagent/mandates/pkg/mandate"
)

// MemoryStore keeps snapshots in process memory. Used in tests and by
// memory:// deployments that accept losing state on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]mandate.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]mandate.Snapshot)}
}

func (s *MemoryStore) Put(ctx context.Context, snap mandate.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.ID] = clone(snap)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*mandate.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	c := clone(snap)
	return &c, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]mandate.Snapshot, error) {
	s.mu.RLock()
	out := make([]mandate.Snapshot, 0, len(s.data))
	for _, snap := range s.data {
		if f.match(&snap) {
			out = append(out, clone(snap))
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
