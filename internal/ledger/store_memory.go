package ledger

import (
	"context"
	"sync"

	id "attest/pkg/domain"
)

// MemoryStore is an in-process Store for tests and development. Chains are
// independent slices guarded by per-chain mutexes, mirroring the per-chain
// advisory locks of the Postgres store. The struct exposes no mutation API;
// rows only grow.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[id.ChainID][]*AuditEvent
	locks  map[id.ChainID]*sync.Mutex
}

// NewMemoryStore builds an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[id.ChainID][]*AuditEvent),
		locks:  make(map[id.ChainID]*sync.Mutex),
	}
}

func (s *MemoryStore) chainLock(chainID id.ChainID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chainID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chainID] = l
	}
	return l
}

// Append extends the chain tail under the chain's lock.
func (s *MemoryStore) Append(ctx context.Context, chainID id.ChainID, build BuildFunc) (*AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := s.chainLock(chainID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	chain := s.chains[chainID]
	s.mu.RUnlock()

	sequence := int64(len(chain)) + 1
	prevHash := GenesisHash
	if len(chain) > 0 {
		prevHash = chain[len(chain)-1].EventHash
	}

	ev, err := build(sequence, prevHash)
	if err != nil {
		return nil, err
	}

	stored := cloneEvent(ev)
	s.mu.Lock()
	s.chains[chainID] = append(s.chains[chainID], stored)
	s.mu.Unlock()

	return cloneEvent(stored), nil
}

// List filters committed events in ascending sequence order.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chains [][]*AuditEvent
	if f.ChainID != "" {
		chains = append(chains, s.chains[f.ChainID])
	} else {
		for _, c := range s.chains {
			chains = append(chains, c)
		}
	}

	var out []*AuditEvent
	for _, chain := range chains {
		for _, ev := range chain {
			if !matches(ev, f) {
				continue
			}
			out = append(out, cloneEvent(ev))
			if f.Limit > 0 && len(out) >= f.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func matches(ev *AuditEvent, f Filter) bool {
	if f.FromSeq > 0 && ev.Sequence < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && ev.Sequence > f.ToSeq {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	if !f.ActorID.IsNil() && ev.ActorID != f.ActorID {
		return false
	}
	if f.ResourceID != "" && ev.ResourceID != f.ResourceID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneEvent(ev *AuditEvent) *AuditEvent {
	cp := *ev
	if ev.Details != nil {
		cp.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}
