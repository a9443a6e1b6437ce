package ceremony

import (
	"context"
	"sync"
	"time"

	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
)

// MemoryStore is an in-process Store for tests and development. Each
// ceremony has its own mutex, matching the per-ceremony advisory lock of the
// Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	ceremonies map[id.CeremonyID]*Ceremony
	locks      map[id.CeremonyID]*sync.Mutex
}

// NewMemoryStore builds an empty ceremony store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ceremonies: make(map[id.CeremonyID]*Ceremony),
		locks:      make(map[id.CeremonyID]*sync.Mutex),
	}
}

func (s *MemoryStore) Create(_ context.Context, c *Ceremony) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ceremonies[c.ID]; exists {
		return sentinel.ErrConflict
	}
	s.ceremonies[c.ID] = cloneCeremony(c)
	s.locks[c.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ceremonyID id.CeremonyID) (*Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.ceremonies[ceremonyID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneCeremony(c), nil
}

// Mutate applies fn to a working copy and swaps it in on success. A failing
// fn discards the copy, but writes fn already made to other stores (a
// signature and its audit events) are not rolled back; the Postgres store
// shares one transaction across all of them. This gap is dev-only.
func (s *MemoryStore) Mutate(ctx context.Context, ceremonyID id.CeremonyID, fn func(ctx context.Context, c *Ceremony) error) error {
	s.mu.RLock()
	lock, ok := s.locks[ceremonyID]
	s.mu.RUnlock()
	if !ok {
		return sentinel.ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.ceremonies[ceremonyID]
	s.mu.RUnlock()

	working := cloneCeremony(current)
	if err := fn(ctx, working); err != nil {
		return err
	}

	s.mu.Lock()
	s.ceremonies[ceremonyID] = working
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]id.CeremonyID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []id.CeremonyID
	for _, c := range s.ceremonies {
		if c.Status == StatusInProgress && !c.TimeoutAt.IsZero() && now.After(c.TimeoutAt) {
			due = append(due, c.ID)
		}
	}
	return due, nil
}

func cloneCeremony(c *Ceremony) *Ceremony {
	cp := *c
	cp.Requests = make([]*SigningRequest, len(c.Requests))
	for i, r := range c.Requests {
		rc := *r
		cp.Requests[i] = &rc
	}
	return &cp
}
