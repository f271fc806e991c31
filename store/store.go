// Package store persists positions. The engine treats the store as the
// durable record of truth across process restarts: at startup the in-memory
// bucket committed totals are rebuilt from the open positions read here.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/papertrade/position"
)

type Store interface {
	CreatePosition(ctx context.Context, p position.Position) error
	UpdatePosition(ctx context.Context, p position.Position) error
	ListOpenPositions(ctx context.Context) ([]position.Position, error)
	ListClosedSince(ctx context.Context, since time.Time) ([]position.Position, error)
	Close() error
}

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu        sync.Mutex
	positions map[string]position.Position
}

func NewMemStore() *MemStore {
	return &MemStore{positions: make(map[string]position.Position)}
}

func (s *MemStore) CreatePosition(_ context.Context, p position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *MemStore) UpdatePosition(_ context.Context, p position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *MemStore) ListOpenPositions(_ context.Context) ([]position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []position.Position
	for _, p := range s.positions {
		if p.Status == position.Open {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListClosedSince(_ context.Context, since time.Time) ([]position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []position.Position
	for _, p := range s.positions {
		if p.Status == position.Closed && p.ClosedAt != nil && !p.ClosedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) Close() error { return nil }
