//go:build integration

package reauth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest/internal/reauth"
	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
	"attest/pkg/testutil/containers"
)

func newChallenge(actor id.ActorID, now time.Time) *reauth.Challenge {
	return &reauth.Challenge{
		ID:          id.NewChallengeID(),
		ActorID:     actor,
		Fingerprint: "abc123",
		Meaning:     "approved",
		ChainID:     "org-1",
		IssuedAt:    now,
		ExpiresAt:   now.Add(reauth.DefaultTTL),
		Status:      reauth.StatusPending,
	}
}

func TestRedisStore(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	store := reauth.NewRedisStore(rc.Client)
	ctx := context.Background()
	actor := id.NewActorID()

	t.Run("create and get round trip", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		ch := newChallenge(actor, time.Now().UTC())
		require.NoError(t, store.Create(ctx, ch, reauth.DefaultTTL))

		got, err := store.Get(ctx, ch.ID)
		require.NoError(t, err)
		assert.Equal(t, ch.ID, got.ID)
		assert.Equal(t, reauth.StatusPending, got.Status)
		assert.Equal(t, "abc123", got.Fingerprint)
	})

	t.Run("create is first-writer-wins", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		ch := newChallenge(actor, time.Now().UTC())
		require.NoError(t, store.Create(ctx, ch, reauth.DefaultTTL))
		assert.ErrorIs(t, store.Create(ctx, ch, reauth.DefaultTTL), sentinel.ErrConflict)
	})

	t.Run("concurrent consume is single-use", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		now := time.Now().UTC()
		ch := newChallenge(actor, now)
		require.NoError(t, store.Create(ctx, ch, reauth.DefaultTTL))

		const attempts = 10
		results := make(chan error, attempts)
		var start sync.WaitGroup
		start.Add(1)
		for i := 0; i < attempts; i++ {
			go func() {
				start.Wait()
				_, err := store.Consume(ctx, ch.ID, now)
				results <- err
			}()
		}
		start.Done()

		var wins, used int
		for i := 0; i < attempts; i++ {
			switch err := <-results; {
			case err == nil:
				wins++
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				used++
			default:
				t.Fatalf("unexpected consume error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, attempts-1, used)
	})

	t.Run("expired consume is distinct from missing", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		now := time.Now().UTC()
		ch := newChallenge(actor, now)
		require.NoError(t, store.Create(ctx, ch, reauth.DefaultTTL))

		_, err := store.Consume(ctx, ch.ID, now.Add(reauth.DefaultTTL+time.Second))
		assert.ErrorIs(t, err, sentinel.ErrExpired)

		_, err = store.Consume(ctx, id.NewChallengeID(), now)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("failures accumulate and invalidate", func(t *testing.T) {
		require.NoError(t, rc.FlushAll(ctx))
		now := time.Now().UTC()
		ch := newChallenge(actor, now)
		require.NoError(t, store.Create(ctx, ch, reauth.DefaultTTL))

		for i := 1; i <= reauth.MaxAttempts; i++ {
			attempts, err := store.RecordFailure(ctx, ch.ID, reauth.MaxAttempts)
			require.NoError(t, err)
			assert.Equal(t, i, attempts)
		}

		got, err := store.Get(ctx, ch.ID)
		require.NoError(t, err)
		assert.Equal(t, reauth.StatusExpired, got.Status)
	})
}
