package reauth

import (
	"context"
	"time"

	id "attest/pkg/domain"
)

// Store persists challenges. Implementations return sentinel.ErrNotFound for
// unknown IDs, sentinel.ErrAlreadyUsed for a consumed challenge, and
// sentinel.ErrExpired for an expired one. Consume must be atomic: under
// concurrent calls exactly one transitions pending to consumed.
type Store interface {
	Create(ctx context.Context, ch *Challenge, ttl time.Duration) error
	Get(ctx context.Context, challengeID id.ChallengeID) (*Challenge, error)

	// Consume compare-and-swaps pending to consumed at time now.
	Consume(ctx context.Context, challengeID id.ChallengeID, now time.Time) (*Challenge, error)

	// RecordFailure increments the attempt counter and expires the
	// challenge once max is reached. Returns the new attempt count.
	RecordFailure(ctx context.Context, challengeID id.ChallengeID, max int) (int, error)
}
