package callstore

import (
	"context"
	"sync"
)

// DefaultMemCapacity is the number of records a [MemStore] keeps when no
// capacity is given.
const DefaultMemCapacity = 1000

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Once it holds capacity records, the
// oldest one is evicted on each Begin.
type MemStore struct {
	mu       sync.Mutex
	capacity int
	records  map[string]Record
	order    []string // stream SIDs, oldest first
}

// NewMemStore returns an empty MemStore. A non-positive capacity selects
// [DefaultMemCapacity].
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultMemCapacity
	}
	return &MemStore{
		capacity: capacity,
		records:  make(map[string]Record),
	}
}

// Begin implements [Store].
func (s *MemStore) Begin(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.StreamSID]; ok {
		s.removeLocked(rec.StreamSID)
	}
	for len(s.order) >= s.capacity {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	s.records[rec.StreamSID] = rec
	s.order = append(s.order, rec.StreamSID)
	return nil
}

// Finish implements [Store].
func (s *MemStore) Finish(_ context.Context, streamSID string, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[streamSID]
	if !ok {
		return ErrNotFound
	}
	rec.EndedAt = out.EndedAt
	rec.FramesSent = out.FramesSent
	rec.EndReason = out.EndReason
	s.records[streamSID] = rec
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, streamSID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[streamSID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out, nil
}

// Ping implements [Store]. A MemStore is always reachable.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store]. It is a no-op.
func (s *MemStore) Close() {}

// Len returns the number of records held.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *MemStore) removeLocked(streamSID string) {
	delete(s.records, streamSID)
	for i, sid := range s.order {
		if sid == streamSID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
