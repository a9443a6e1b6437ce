package ledger

import (
	"context"

	id "attest/pkg/domain"
)

// BuildFunc assembles the event for the tail position the store hands it.
// The store guarantees exactly one writer extends a chain at a time, so the
// (sequence, prevHash) pair is stable for the duration of the call.
type BuildFunc func(sequence int64, prevHash string) (*AuditEvent, error)

// Store persists chained audit events. Implementations must be append-only:
// no update or delete operation exists, and the backing engine itself must
// reject row mutation so a compromised caller cannot rewrite history.
type Store interface {
	// Append acquires the chain tail under the store's per-chain
	// serialization, invokes build with the next sequence and the current
	// tail hash, and persists the result atomically with the tail advance.
	// Returns sentinel.ErrConflict when another writer won the tail; safe to
	// retry with a fresh build.
	Append(ctx context.Context, chainID id.ChainID, build BuildFunc) (*AuditEvent, error)

	// List returns committed events matching f in ascending sequence order.
	List(ctx context.Context, f Filter) ([]*AuditEvent, error)
}
