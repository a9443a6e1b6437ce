package signature

import (
	"context"
	"sync"

	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
)

// MemoryStore is an in-process Store for tests and development. Signatures
// and invalidations live in separate maps, mirroring the two insert-only
// tables of the Postgres store; a signature's status is derived from the
// presence of its invalidation record.
type MemoryStore struct {
	mu            sync.RWMutex
	signatures    map[id.SignatureID]*ElectronicSignature
	invalidations map[id.SignatureID]*Invalidation
}

// NewMemoryStore builds an empty signature store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signatures:    make(map[id.SignatureID]*ElectronicSignature),
		invalidations: make(map[id.SignatureID]*Invalidation),
	}
}

// Atomic runs fn directly. The memory store has no transactions: when fn
// fails partway, writes it already made to other stores (a ledger append)
// are not rolled back. The Postgres store shares one transaction across the
// unit of work; this gap is dev-only.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *MemoryStore) Create(_ context.Context, sig *ElectronicSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.signatures[sig.ID]; exists {
		return sentinel.ErrConflict
	}
	s.signatures[sig.ID] = cloneSignature(sig)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sigID id.SignatureID) (*ElectronicSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signatures[sigID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.project(sig), nil
}

func (s *MemoryStore) ListByResource(_ context.Context, resourceID string) ([]*ElectronicSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ElectronicSignature
	for _, sig := range s.signatures {
		if sig.ResourceID == resourceID {
			out = append(out, s.project(sig))
		}
	}
	return out, nil
}

func (s *MemoryStore) Invalidate(_ context.Context, sigID id.SignatureID, inv Invalidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signatures[sigID]; !ok {
		return sentinel.ErrNotFound
	}
	if _, ok := s.invalidations[sigID]; ok {
		return sentinel.ErrInvalidState
	}
	cp := inv
	s.invalidations[sigID] = &cp
	return nil
}

// project returns a copy of sig with its status derived from the
// invalidation map. Callers hold at least a read lock.
func (s *MemoryStore) project(sig *ElectronicSignature) *ElectronicSignature {
	cp := cloneSignature(sig)
	cp.Status = StatusValid
	if inv, ok := s.invalidations[sig.ID]; ok {
		cp.Status = StatusInvalidated
		invCp := *inv
		cp.Invalidation = &invCp
	}
	return cp
}

func cloneSignature(sig *ElectronicSignature) *ElectronicSignature {
	cp := *sig
	cp.Signer.Roles = append([]string(nil), sig.Signer.Roles...)
	if sig.Invalidation != nil {
		inv := *sig.Invalidation
		cp.Invalidation = &inv
	}
	return &cp
}
