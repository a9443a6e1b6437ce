package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in the store
// - ErrConflict: another writer extended the chain tail first; safe to retry
// - ErrExpired: challenge TTL elapsed before consumption
// - ErrAlreadyUsed: single-use resource (challenge, proof) already consumed
// - ErrInvalidState: record in wrong state for the requested transition
// - ErrImmutable: storage layer refused an update/delete of an append-only row
// - ErrUnavailable: backing service temporarily unreachable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrImmutable    = errors.New("immutable record")
	ErrUnavailable  = errors.New("unavailable")
)
