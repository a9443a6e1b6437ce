package reauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
)

const (
	challengeKeyPrefix = "reauth:challenge:"

	// Keys outlive the challenge TTL so an expired consume attempt gets a
	// distinct "expired" answer instead of "not found". Redis reclaims the
	// key after the retention window.
	expiredRetention = time.Hour

	// casRetries bounds optimistic WATCH retries under contention.
	casRetries = 5
)

// RedisStore is the production Store: shared across instances, with Redis
// WATCH transactions guaranteeing the single-consume invariant.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a Redis-backed challenge store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func challengeKey(challengeID id.ChallengeID) string {
	return challengeKeyPrefix + challengeID.String()
}

func (s *RedisStore) Create(ctx context.Context, ch *Challenge, ttl time.Duration) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	ok, err := s.client.SetNX(ctx, challengeKey(ch.ID), payload, ttl+expiredRetention).Result()
	if err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, challengeID id.ChallengeID) (*Challenge, error) {
	payload, err := s.client.Get(ctx, challengeKey(challengeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var ch Challenge
	if err := json.Unmarshal(payload, &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &ch, nil
}

// Consume transitions pending to consumed under a WATCH transaction, so two
// concurrent consumers cannot both succeed.
func (s *RedisStore) Consume(ctx context.Context, challengeID id.ChallengeID, now time.Time) (*Challenge, error) {
	var consumed *Challenge
	mutate := func(ch *Challenge) error {
		switch {
		case ch.Status == StatusConsumed:
			return sentinel.ErrAlreadyUsed
		case ch.Status == StatusExpired, now.After(ch.ExpiresAt):
			ch.Status = StatusExpired
			return sentinel.ErrExpired
		}
		ch.Status = StatusConsumed
		ch.ConsumedAt = now
		consumed = ch
		return nil
	}
	if err := s.update(ctx, challengeID, mutate); err != nil {
		return nil, err
	}
	return consumed, nil
}

func (s *RedisStore) RecordFailure(ctx context.Context, challengeID id.ChallengeID, max int) (int, error) {
	var attempts int
	mutate := func(ch *Challenge) error {
		ch.Attempts++
		if ch.Attempts >= max && ch.Status == StatusPending {
			ch.Status = StatusExpired
		}
		attempts = ch.Attempts
		return nil
	}
	if err := s.update(ctx, challengeID, mutate); err != nil {
		return 0, err
	}
	return attempts, nil
}

// update applies mutate to the stored challenge inside a WATCH transaction,
// retrying on concurrent modification. A mutation error other than TxFailed
// aborts without writing, except the expiry transition which is persisted so
// later reads stay deterministic.
func (s *RedisStore) update(ctx context.Context, challengeID id.ChallengeID, mutate func(*Challenge) error) error {
	key := challengeKey(challengeID)

	txn := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load challenge: %w", err)
		}
		var ch Challenge
		if err := json.Unmarshal(payload, &ch); err != nil {
			return fmt.Errorf("decode challenge: %w", err)
		}

		mutErr := mutate(&ch)
		if mutErr != nil && !errors.Is(mutErr, sentinel.ErrExpired) {
			return mutErr
		}

		updated, err := json.Marshal(&ch)
		if err != nil {
			return fmt.Errorf("marshal challenge: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		return mutErr
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return sentinel.ErrConflict
}
