package signature

import (
	"context"

	id "attest/pkg/domain"
)

// Store persists committed signatures. Everything is insert-only: Create
// writes the signature, Invalidate writes its (at most one) invalidation
// record, and the status reported on reads is derived from the latter.
type Store interface {
	// Atomic runs fn as one unit of work. Writes fn makes through stores
	// sharing the same database (the signature insert and its audit append)
	// commit or roll back together.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, sig *ElectronicSignature) error
	Get(ctx context.Context, sigID id.SignatureID) (*ElectronicSignature, error)
	ListByResource(ctx context.Context, resourceID string) ([]*ElectronicSignature, error)

	// Invalidate marks a valid signature invalidated. Returns
	// sentinel.ErrInvalidState if it already is.
	Invalidate(ctx context.Context, sigID id.SignatureID, inv Invalidation) error
}
