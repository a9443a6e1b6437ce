package reauth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest/internal/ledger"
	"attest/internal/timestamp"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
)

// fakeClock is a settable trusted time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now(context.Context) (timestamp.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timestamp.Timestamp{Time: c.now, SourceID: "fake"}, nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// staticVerifier accepts one credential per actor.
type staticVerifier map[id.ActorID]string

func (v staticVerifier) VerifyCredential(_ context.Context, actor id.ActorID, credential string) error {
	if v[actor] != credential {
		return dErrors.New(dErrors.CodeAuthFailed, "invalid credential")
	}
	return nil
}

type fixture struct {
	svc     *Service
	clock   *fakeClock
	actor   id.ActorID
	auditor *ledger.Service
	audit   *ledger.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := newFakeClock()
	auditStore := ledger.NewMemoryStore()
	auditor := ledger.NewService(auditStore, clock, logger)
	actor := id.NewActorID()
	svc := NewService(NewMemoryStore(), auditor, staticVerifier{actor: "s3cret"}, clock, logger)
	return &fixture{svc: svc, clock: clock, actor: actor, auditor: auditor, audit: auditStore}
}

func (f *fixture) issue(t *testing.T) *Challenge {
	t.Helper()
	ch, err := f.svc.Issue(context.Background(), IssueParams{
		ActorID:     f.actor,
		Fingerprint: "abc123",
		Meaning:     "approved",
		ChainID:     "org-1",
		Resource:    ResourceRef{Type: "document", ID: "doc-42", Version: "v1"},
	})
	require.NoError(t, err)
	return ch
}

func (f *fixture) auditedTypes(t *testing.T) []ledger.EventType {
	t.Helper()
	events, err := f.audit.List(context.Background(), ledger.Filter{ChainID: "org-1"})
	require.NoError(t, err)
	types := make([]ledger.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestIssueCreatesPendingChallenge(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)

	assert.Equal(t, StatusPending, ch.Status)
	assert.Equal(t, f.actor, ch.ActorID)
	assert.Equal(t, "abc123", ch.Fingerprint)
	assert.Equal(t, "approved", ch.Meaning)
	assert.Equal(t, DefaultTTL, ch.ExpiresAt.Sub(ch.IssuedAt))

	assert.Equal(t, []ledger.EventType{ledger.EventChallengeIssued}, f.auditedTypes(t))
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params IssueParams
	}{
		{"missing actor", IssueParams{Fingerprint: "abc", Meaning: "approved", ChainID: "org-1"}},
		{"missing fingerprint", IssueParams{ActorID: f.actor, Meaning: "approved", ChainID: "org-1"}},
		{"missing meaning", IssueParams{ActorID: f.actor, Fingerprint: "abc", ChainID: "org-1"}},
		{"missing chain", IssueParams{ActorID: f.actor, Fingerprint: "abc", Meaning: "approved"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Issue(ctx, tt.params)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestConsumeHappyPath(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)

	proof, err := f.svc.Consume(context.Background(), ch.ID, "s3cret")
	require.NoError(t, err)

	assert.Equal(t, ch.ID, proof.ChallengeID)
	assert.Equal(t, f.actor, proof.ActorID)
	assert.Equal(t, "abc123", proof.Fingerprint)
	assert.Equal(t, "approved", proof.Meaning)
	assert.Equal(t, "doc-42", proof.Resource.ID, "consume returns what issue bound")
	assert.False(t, proof.ConsumedAt.IsZero())
}

func TestConsumeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)

	_, err := f.svc.Consume(context.Background(), ch.ID, "s3cret")
	require.NoError(t, err)

	_, err = f.svc.Consume(context.Background(), ch.ID, "s3cret")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestConcurrentConsumeExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)

	const attempts = 10
	results := make(chan error, attempts)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < attempts; i++ {
		go func() {
			start.Wait()
			_, err := f.svc.Consume(context.Background(), ch.ID, "s3cret")
			results <- err
		}()
	}
	start.Done()

	var wins, conflicts int
	for i := 0; i < attempts; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case dErrors.HasCode(err, dErrors.CodeConflict):
			conflicts++
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, conflicts)
}

func TestConsumeExpiredIsDistinct(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)

	f.clock.Advance(DefaultTTL + time.Second)

	_, err := f.svc.Consume(context.Background(), ch.ID, "s3cret")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeExpired),
		"expired must be distinguishable so the caller restarts instead of retrying")
}

func TestConsumeUnknownChallenge(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Consume(context.Background(), id.NewChallengeID(), "s3cret")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestConsumeWrongCredential(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)

	_, err := f.svc.Consume(context.Background(), ch.ID, "wrong")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAuthFailed))

	// The failure is itself an audited fact, and the challenge survives
	// for another attempt.
	assert.Equal(t,
		[]ledger.EventType{ledger.EventChallengeIssued, ledger.EventAuthFailed},
		f.auditedTypes(t))

	_, err = f.svc.Consume(context.Background(), ch.ID, "s3cret")
	assert.NoError(t, err)
}

func TestRepeatedFailuresInvalidateChallenge(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t)
	ctx := context.Background()

	for i := 0; i < MaxAttempts; i++ {
		_, err := f.svc.Consume(ctx, ch.ID, "wrong")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAuthFailed))
	}

	// Even the correct credential no longer works.
	_, err := f.svc.Consume(ctx, ch.ID, "s3cret")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeExpired))
}

type downClock struct{}

func (downClock) Now(context.Context) (timestamp.Timestamp, error) {
	return timestamp.Timestamp{}, dErrors.New(dErrors.CodeClockUnavailable, "no time authority reachable")
}

func TestIssueFailsClosedWhenClockUnavailable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := ledger.NewService(ledger.NewMemoryStore(), downClock{}, logger)
	actor := id.NewActorID()
	svc := NewService(NewMemoryStore(), auditor, staticVerifier{actor: "s3cret"}, downClock{}, logger)

	_, err := svc.Issue(context.Background(), IssueParams{
		ActorID:     actor,
		Fingerprint: "abc",
		Meaning:     "approved",
		ChainID:     "org-1",
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeClockUnavailable))
}
