package reauth

import (
	"context"
	"sync"
	"time"

	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[id.ChallengeID]*Challenge
}

// NewMemoryStore builds an empty challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{challenges: make(map[id.ChallengeID]*Challenge)}
}

func (s *MemoryStore) Create(_ context.Context, ch *Challenge, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.challenges[ch.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *ch
	s.challenges[ch.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, challengeID id.ChallengeID) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[challengeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *MemoryStore) Consume(_ context.Context, challengeID id.ChallengeID, now time.Time) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[challengeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	switch {
	case ch.Status == StatusConsumed:
		return nil, sentinel.ErrAlreadyUsed
	case ch.Status == StatusExpired, now.After(ch.ExpiresAt):
		ch.Status = StatusExpired
		return nil, sentinel.ErrExpired
	}
	ch.Status = StatusConsumed
	ch.ConsumedAt = now
	cp := *ch
	return &cp, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, challengeID id.ChallengeID, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[challengeID]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	ch.Attempts++
	if ch.Attempts >= max && ch.Status == StatusPending {
		ch.Status = StatusExpired
	}
	return ch.Attempts, nil
}
