// Package store persists mandate snapshots. Every backend implements Store;
// Open selects one from a URL.
package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/trustagent/mandates/pkg/mandate"
)

// Store is the durable home of mandate snapshots.
type Store interface {
	// Put inserts or replaces the snapshot with the same id.
	Put(ctx context.Context, s mandate.Snapshot) error
	// Get returns nil, nil when no snapshot has the id.
	Get(ctx context.Context, id string) (*mandate.Snapshot, error)
	// List returns matching snapshots, newest first.
	List(ctx context.Context, f Filter) ([]mandate.Snapshot, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	OwnerID string
	Status  mandate.Status
}

func (f Filter) match(s *mandate.Snapshot) bool {
	if f.OwnerID != "" && s.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// sortNewestFirst orders by created_at descending, breaking ties by id so the
// order is total.
func sortNewestFirst(out []mandate.Snapshot) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
}

// clone deep-copies a snapshot so callers never share mutable state with a store.
func clone(s mandate.Snapshot) mandate.Snapshot {
	c := s
	c.Payload = append(json.RawMessage(nil), s.Payload...)
	if s.ExecutedAt != nil {
		t := *s.ExecutedAt
		c.ExecutedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	return c
}
