// Package storage records the history of layer aggregations performed by the
// coordinator.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Round is one layer aggregation within one epoch of a session.
type Round struct {
	SessionID uuid.UUID `db:"session_id" json:"session_id"`
	Epoch     int       `db:"epoch" json:"epoch"`
	Layer     int       `db:"layer" json:"layer"`
	Clients   int       `db:"clients" json:"clients"`
	Elements  int       `db:"elements" json:"elements"`
	Mean      float64   `db:"mean" json:"mean"`
	Norm      float64   `db:"l2_norm" json:"l2_norm"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RoundStore persists aggregation rounds.
type RoundStore interface {
	SaveRound(ctx context.Context, r *Round) error
	// ListRounds returns up to limit rounds, newest first.
	ListRounds(ctx context.Context, limit int) ([]Round, error)
	Close() error
}

// DefaultMemoryCapacity bounds the in-memory store.
const DefaultMemoryCapacity = 1024

// MemoryStore keeps the most recent rounds in process. It is used when no
// database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	rounds   []Round
	capacity int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) SaveRound(_ context.Context, r *Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.rounds = append(s.rounds, *r)
	if over := len(s.rounds) - s.capacity; over > 0 {
		s.rounds = append([]Round(nil), s.rounds[over:]...)
	}
	return nil
}

func (s *MemoryStore) ListRounds(_ context.Context, limit int) ([]Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.rounds) {
		limit = len(s.rounds)
	}
	out := make([]Round, 0, limit)
	for i := len(s.rounds) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.rounds[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
