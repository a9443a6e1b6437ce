package ceremony

import (
	"context"
	"time"

	id "attest/pkg/domain"
)

// Store persists ceremonies with their requests. Mutate is the transition
// primitive: it loads the aggregate under per-ceremony serialization, runs
// fn against it, and persists the result atomically. Postgres
// implementations expose the transaction through the context passed to fn,
// so audit events and signatures written inside fn commit with the
// transition.
type Store interface {
	Create(ctx context.Context, c *Ceremony) error
	Get(ctx context.Context, ceremonyID id.CeremonyID) (*Ceremony, error)

	// Mutate applies fn to the ceremony under exclusive access. Returning
	// an error from fn rolls the mutation back.
	Mutate(ctx context.Context, ceremonyID id.CeremonyID, fn func(ctx context.Context, c *Ceremony) error) error

	// ListDue returns in-progress ceremonies whose deadline has passed.
	ListDue(ctx context.Context, now time.Time) ([]id.CeremonyID, error)
}
