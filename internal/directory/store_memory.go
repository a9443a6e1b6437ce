package directory

import (
	"context"
	"sync"

	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[id.ActorID]*Record
}

// NewMemoryStore builds an empty directory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[id.ActorID]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, actor id.ActorID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[actor]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	cp.Roles = append([]string(nil), rec.Roles...)
	return &cp, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Roles = append([]string(nil), rec.Roles...)
	s.records[rec.ID] = &cp
	return nil
}
