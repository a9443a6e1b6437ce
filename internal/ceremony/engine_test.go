package ceremony

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest/internal/directory"
	"attest/internal/ledger"
	"attest/internal/reauth"
	"attest/internal/signature"
	"attest/internal/timestamp"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/requestcontext"
)

// fakeClock is a settable trusted time source shared by every service in
// the fixture.
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

type participant struct {
	id  id.ActorID
	ctx context.Context
}

type fixture struct {
	engine  *Engine
	content *signature.MemoryContentSource
	sigs    *signature.MemoryStore
	audit   *ledger.MemoryStore
	clock   *fakeClock

	alice participant // creator and first signer, credential "pw-alice"
	bob   participant
	carol participant
}

// newFixture wires the engine against real in-memory collaborators: a
// ledger, a challenge store, a signer directory with three registered
// signers, and the signature service.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := newFakeClock()

	auditStore := ledger.NewMemoryStore()
	led := ledger.NewService(auditStore, clock, logger)
	dir := directory.NewService(directory.NewMemoryStore(), logger)
	challenges := reauth.NewService(reauth.NewMemoryStore(), led, dir, clock, logger)

	content := signature.NewMemoryContentSource()
	content.Put(&signature.Content{
		ResourceType: "document",
		ResourceID:   "doc-42",
		Name:         "SOP-17 Rev C",
		Version:      "v1",
		Body:         map[string]any{"title": "SOP-17", "steps": []any{"prep", "run"}},
	})

	sigStore := signature.NewMemoryStore()
	sigs := signature.NewService(sigStore, content, challenges, dir, led, clock, logger)

	engine := NewEngine(NewMemoryStore(), sigs, content, led, clock, logger)

	f := &fixture{
		engine:  engine,
		content: content,
		sigs:    sigStore,
		audit:   auditStore,
		clock:   clock,
	}
	f.alice = f.register(t, dir, "Alice Author", "alice@example.com", "pw-alice")
	f.bob = f.register(t, dir, "Bob Reviewer", "bob@example.com", "pw-bob")
	f.carol = f.register(t, dir, "Carol Approver", "carol@example.com", "pw-carol")
	return f
}

func (f *fixture) register(t *testing.T, dir *directory.Service, name, email, secret string) participant {
	t.Helper()
	signer, _, err := dir.Register(context.Background(), directory.RegisterParams{
		Name:   name,
		Email:  email,
		Roles:  []string{"qa"},
		Secret: secret,
	})
	require.NoError(t, err)
	return participant{
		id:  signer.ID,
		ctx: requestcontext.WithActorID(context.Background(), signer.ID),
	}
}

func (f *fixture) create(t *testing.T, p CreateParams) *Ceremony {
	t.Helper()
	if p.ResourceID == "" {
		p.ResourceID = "doc-42"
	}
	if p.ChainID == "" {
		p.ChainID = "org-1"
	}
	c, err := f.engine.Create(f.alice.ctx, p)
	require.NoError(t, err)
	return c
}

func (f *fixture) threeSigners(rule CompletionRule, order Order) CreateParams {
	return CreateParams{
		Rule:          rule,
		RuleCount:     2,
		Order:         order,
		TimeoutPolicy: TimeoutPending,
		Signers: []SignerSpec{
			{SignerID: f.alice.id, Meaning: signature.MeaningAuthored},
			{SignerID: f.bob.id, Meaning: signature.MeaningReviewed},
			{SignerID: f.carol.id, Meaning: signature.MeaningApproved},
		},
	}
}

// sign runs the full initiate-then-complete flow for one request.
func (f *fixture) sign(t *testing.T, p participant, credential string, ceremonyID id.CeremonyID, requestID id.SigningRequestID) *Ceremony {
	t.Helper()
	res, err := f.engine.InitiateSign(p.ctx, ceremonyID, requestID)
	require.NoError(t, err)
	c, err := f.engine.CompleteSign(p.ctx, ceremonyID, requestID, res.Challenge.ID, credential, "")
	require.NoError(t, err)
	return c
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

func TestCreateFreezesFingerprintAndOpensRequests(t *testing.T) {
	f := newFixture(t)

	t.Run("sequential opens only the first request", func(t *testing.T) {
		c := f.create(t, f.threeSigners(RuleAll, OrderSequential))

		assert.Len(t, c.ContentHash, 64)
		assert.Equal(t, StatusInProgress, c.Status)
		require.Len(t, c.Requests, 3)
		assert.Equal(t, StateReady, c.Requests[0].State)
		assert.Equal(t, StatePending, c.Requests[1].State)
		assert.Equal(t, StatePending, c.Requests[2].State)
		assert.Contains(t, f.auditedTypes(t), ledger.EventCeremonyCreated)
	})

	t.Run("parallel opens every request", func(t *testing.T) {
		c := f.create(t, f.threeSigners(RuleAll, OrderParallel))
		for _, r := range c.Requests {
			assert.Equal(t, StateReady, r.State)
		}
	})
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	base := f.threeSigners(RuleAll, OrderSequential)
	base.ResourceID = "doc-42"
	base.ChainID = "org-1"

	tests := []struct {
		name   string
		mutate func(*CreateParams)
		code   dErrors.Code
	}{
		{"no signers", func(p *CreateParams) { p.Signers = nil }, dErrors.CodeInvalidInput},
		{"missing chain", func(p *CreateParams) { p.ChainID = "" }, dErrors.CodeInvalidInput},
		{"count out of range", func(p *CreateParams) { p.Rule = RuleCount; p.RuleCount = 4 }, dErrors.CodeInvalidInput},
		{"percent out of range", func(p *CreateParams) { p.Rule = RulePercent; p.RulePercent = 150 }, dErrors.CodeInvalidInput},
		{"unknown order", func(p *CreateParams) { p.Order = "round-robin" }, dErrors.CodeInvalidInput},
		{"unknown meaning", func(p *CreateParams) { p.Signers[0].Meaning = "blessed" }, dErrors.CodeInvalidInput},
		{"timeout policy without deadline", func(p *CreateParams) { p.TimeoutPolicy = TimeoutSilentDecline }, dErrors.CodeInvalidInput},
		{"unknown resource", func(p *CreateParams) { p.ResourceID = "doc-missing" }, dErrors.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Signers = append([]SignerSpec(nil), base.Signers...)
			tt.mutate(&p)
			_, err := f.engine.Create(f.alice.ctx, p)
			assert.True(t, dErrors.HasCode(err, tt.code), "got %v", err)
		})
	}

	t.Run("anonymous creator", func(t *testing.T) {
		_, err := f.engine.Create(context.Background(), base)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func TestSequentialGating(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, f.threeSigners(RuleAll, OrderSequential))

	// Request 2 is not ready while request 1 is open.
	_, err := f.engine.InitiateSign(f.bob.ctx, c.ID, c.Requests[1].ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)

	c = f.sign(t, f.alice, "pw-alice", c.ID, c.Requests[0].ID)

	assert.Equal(t, StateSigned, c.Requests[0].State)
	assert.False(t, c.Requests[0].SignatureID.IsNil())
	assert.Equal(t, StateReady, c.Requests[1].State)
	assert.Equal(t, StatePending, c.Requests[2].State)
	assert.Equal(t, StatusInProgress, c.Status)
}

func TestCountRuleCompletes(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, f.threeSigners(RuleCount, OrderParallel))

	c = f.sign(t, f.alice, "pw-alice", c.ID, c.Requests[0].ID)
	assert.Equal(t, StatusInProgress, c.Status)

	c = f.sign(t, f.bob, "pw-bob", c.ID, c.Requests[1].ID)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.False(t, c.CompletedAt.IsZero())
	assert.Equal(t, StateReady, c.Requests[2].State)
	assert.Contains(t, f.auditedTypes(t), ledger.EventCeremonyCompleted)

	// The third signer is too late.
	_, err := f.engine.InitiateSign(f.carol.ctx, c.ID, c.Requests[2].ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestSignerIdentityIsEnforced(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, f.threeSigners(RuleAll, OrderParallel))

	_, err := f.engine.InitiateSign(f.bob.ctx, c.ID, c.Requests[0].ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestDeclineAdvancesSequentialCeremony(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, f.threeSigners(RuleCount, OrderSequential))

	_, err := f.engine.Decline(f.alice.ctx, c.ID, c.Requests[0].ID, "")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "reason is mandatory")

	c, err = f.engine.Decline(f.alice.ctx, c.ID, c.Requests[0].ID, "conflict of interest")
	require.NoError(t, err)

	assert.Equal(t, StateDeclined, c.Requests[0].State)
	assert.Equal(t, "conflict of interest", c.Requests[0].DeclineReason)
	assert.Equal(t, StateReady, c.Requests[1].State)
	assert.Equal(t, StatusInProgress, c.Status)

	// A decline is terminal for its request.
	_, err = f.engine.Decline(f.alice.ctx, c.ID, c.Requests[0].ID, "again")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestDelegation(t *testing.T) {
	f := newFixture(t)

	t.Run("disabled by default", func(t *testing.T) {
		c := f.create(t, f.threeSigners(RuleAll, OrderParallel))
		_, err := f.engine.Delegate(f.alice.ctx, c.ID, c.Requests[0].ID, f.carol.id)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("hands the request to the new signer", func(t *testing.T) {
		p := f.threeSigners(RuleAll, OrderParallel)
		p.AllowDelegation = true
		p.Signers = p.Signers[:2]
		c := f.create(t, p)

		c, err := f.engine.Delegate(f.alice.ctx, c.ID, c.Requests[0].ID, f.carol.id)
		require.NoError(t, err)

		r := c.Requests[0]
		assert.Equal(t, f.carol.id, r.SignerID)
		assert.Equal(t, f.alice.id, r.DelegatedFrom)
		assert.Equal(t, StateReady, r.State, "delegated request reopens per the signing order")

		// The original signer lost the request; the delegate can sign.
		_, err = f.engine.InitiateSign(f.alice.ctx, c.ID, r.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
		c = f.sign(t, f.carol, "pw-carol", c.ID, r.ID)
		assert.Equal(t, StateSigned, c.Requests[0].State)
	})
}

func TestPeerReviewGate(t *testing.T) {
	f := newFixture(t)
	p := f.threeSigners(RuleAll, OrderSequential)
	p.Signers[0].RequireReview = true
	c := f.create(t, p)

	require.Equal(t, StatePeerReviewPending, c.Requests[0].State)

	// Review-gated requests cannot be signed, and hold the sequential slot.
	_, err := f.engine.InitiateSign(f.alice.ctx, c.ID, c.Requests[0].ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	assert.Equal(t, StatePending, c.Requests[1].State)

	_, err = f.engine.ApproveReview(f.alice.ctx, c.ID, c.Requests[0].ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized), "no self-review")

	c, err = f.engine.ApproveReview(f.bob.ctx, c.ID, c.Requests[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.Requests[0].State)
	assert.Equal(t, f.bob.id, c.Requests[0].ReviewerID)

	c = f.sign(t, f.alice, "pw-alice", c.ID, c.Requests[0].ID)
	assert.Equal(t, StateSigned, c.Requests[0].State)
}

func TestCancelHaltsCeremony(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, f.threeSigners(RuleAll, OrderParallel))

	_, err := f.engine.Cancel(f.alice.ctx, c.ID, "")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput), "reason is mandatory")

	c, err = f.engine.Cancel(f.alice.ctx, c.ID, "superseded by rev D")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)
	assert.Equal(t, "superseded by rev D", c.CancelReason)
	assert.Contains(t, f.auditedTypes(t), ledger.EventCeremonyCancelled)

	_, err = f.engine.InitiateSign(f.bob.ctx, c.ID, c.Requests[1].ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	_, err = f.engine.Cancel(f.alice.ctx, c.ID, "twice")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestContentDriftBlocksSigning(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, f.threeSigners(RuleAll, OrderParallel))

	f.content.Put(&signature.Content{
		ResourceType: "document",
		ResourceID:   "doc-42",
		Name:         "SOP-17 Rev D",
		Version:      "v2",
		Body:         map[string]any{"title": "SOP-17", "steps": []any{"prep", "run", "verify"}},
	})

	_, err := f.engine.InitiateSign(f.alice.ctx, c.ID, c.Requests[0].ID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeContentChanged), "got %v", err)
}

func TestSweepSilentDeclineExpiresCeremony(t *testing.T) {
	f := newFixture(t)
	p := f.threeSigners(RuleAll, OrderParallel)
	p.Timeout = time.Minute
	p.TimeoutPolicy = TimeoutSilentDecline
	c := f.create(t, p)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.engine.SweepTimeouts(context.Background()))

	c, err := f.engine.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, c.Status)
	for _, r := range c.Requests {
		assert.Equal(t, StateTimedOut, r.State)
		assert.Equal(t, string(TimeoutSilentDecline), r.TimeoutResolution)
	}
	assert.Contains(t, f.auditedTypes(t), ledger.EventCeremonyExpired)
}

func TestSweepSilentApproveCompletesWithoutSignatures(t *testing.T) {
	f := newFixture(t)
	p := f.threeSigners(RuleAll, OrderParallel)
	p.Timeout = time.Minute
	p.TimeoutPolicy = TimeoutSilentApprove
	c := f.create(t, p)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.engine.SweepTimeouts(context.Background()))

	c, err := f.engine.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, c.Status)
	for _, r := range c.Requests {
		assert.Equal(t, StateTimedOut, r.State)
		assert.True(t, r.SignatureID.IsNil(), "silent approval never fabricates a signature")
	}

	sigs, err := f.sigs.ListByResource(context.Background(), "doc-42")
	require.NoError(t, err)
	assert.Empty(t, sigs)
	assert.Contains(t, f.auditedTypes(t), ledger.EventCeremonyCompleted)
}

func TestSweepLeavesPendingPolicyOpen(t *testing.T) {
	f := newFixture(t)
	p := f.threeSigners(RuleAll, OrderParallel)
	p.Timeout = time.Minute
	c := f.create(t, p)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.engine.SweepTimeouts(context.Background()))

	c, err := f.engine.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, c.Status)
	for _, r := range c.Requests {
		assert.Equal(t, StateReady, r.State)
	}

	// A late signature is still accepted under the pending policy.
	c = f.sign(t, f.alice, "pw-alice", c.ID, c.Requests[0].ID)
	assert.Equal(t, StateSigned, c.Requests[0].State)
}
