package reauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"attest/internal/ledger"
	"attest/internal/timestamp"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/sentinel"
)

// Auditor is the slice of the audit ledger this service writes to. Challenge
// issuance and credential failures are compliance-relevant facts; if they
// cannot be recorded the operation fails.
type Auditor interface {
	Append(ctx context.Context, draft ledger.Draft) (*ledger.AuditEvent, error)
}

// CredentialVerifier performs the fresh credential check. Implementations
// return CodeAuthFailed for a wrong credential.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, actor id.ActorID, credential string) error
}

// Metrics is the subset of platform metrics this service reports to.
type Metrics interface {
	IncChallengesIssued()
	IncAuthFailures()
}

// Service issues and consumes re-authentication challenges.
type Service struct {
	store    Store
	auditor  Auditor
	verifier CredentialVerifier
	clock    timestamp.Source
	logger   *slog.Logger
	metrics  Metrics
	ttl      time.Duration
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTTL overrides the default challenge lifetime.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.ttl = ttl }
}

// NewService builds the re-authentication service.
func NewService(store Store, auditor Auditor, verifier CredentialVerifier, clock timestamp.Source, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		auditor:  auditor,
		verifier: verifier,
		clock:    clock,
		logger:   logger,
		ttl:      DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueParams binds a challenge to the requester and to the exact content
// and meaning being signed.
type IssueParams struct {
	ActorID     id.ActorID
	Fingerprint string
	Meaning     string
	ChainID     id.ChainID
	Resource    ResourceRef
}

// Issue creates a single-use challenge with a fixed TTL and records the
// issuance in the audit ledger.
func (s *Service) Issue(ctx context.Context, p IssueParams) (*Challenge, error) {
	if p.ActorID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "actor_id is required")
	}
	if p.Fingerprint == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "content fingerprint is required")
	}
	if p.Meaning == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "meaning is required")
	}
	if p.ChainID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "chain_id is required")
	}

	ts, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}

	ch := &Challenge{
		ID:          id.NewChallengeID(),
		ActorID:     p.ActorID,
		Fingerprint: p.Fingerprint,
		Meaning:     p.Meaning,
		ChainID:     p.ChainID,
		Resource:    p.Resource,
		IssuedAt:    ts.Time,
		ExpiresAt:   ts.Time.Add(s.ttl),
		Status:      StatusPending,
	}
	if err := s.store.Create(ctx, ch, s.ttl); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "store challenge")
	}

	if _, err := s.auditor.Append(ctx, ledger.Draft{
		Type:         ledger.EventChallengeIssued,
		ChainID:      p.ChainID,
		ActorID:      p.ActorID,
		ResourceType: p.Resource.Type,
		ResourceID:   p.Resource.ID,
		ResourceName: p.Resource.Name,
		Details: map[string]any{
			"challenge_id": ch.ID.String(),
			"meaning":      p.Meaning,
			"fingerprint":  p.Fingerprint,
			"expires_at":   ch.ExpiresAt.UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		// Unrecorded issuance must not circulate.
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncChallengesIssued()
	}
	return ch, nil
}

// Consume re-validates the requester's credential and, on success, marks the
// challenge consumed exactly once. Expired challenges fail with a distinct
// code so callers restart the flow instead of retrying blindly.
func (s *Service) Consume(ctx context.Context, challengeID id.ChallengeID, credential string) (*Proof, error) {
	ch, err := s.store.Get(ctx, challengeID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "challenge not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load challenge")
	}

	ts, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	now := ts.Time

	switch {
	case ch.Status == StatusConsumed:
		return nil, dErrors.New(dErrors.CodeConflict, "challenge already consumed")
	case ch.Status == StatusExpired, now.After(ch.ExpiresAt):
		return nil, dErrors.New(dErrors.CodeExpired, "challenge expired")
	}

	if err := s.verifier.VerifyCredential(ctx, ch.ActorID, credential); err != nil {
		if dErrors.HasCode(err, dErrors.CodeAuthFailed) {
			return nil, s.recordFailedAttempt(ctx, ch)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "verify credential")
	}

	consumed, err := s.store.Consume(ctx, challengeID, now)
	switch {
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return nil, dErrors.New(dErrors.CodeConflict, "challenge already consumed")
	case errors.Is(err, sentinel.ErrExpired):
		return nil, dErrors.New(dErrors.CodeExpired, "challenge expired")
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, dErrors.New(dErrors.CodeNotFound, "challenge not found")
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "consume challenge")
	}

	return &Proof{
		ChallengeID: consumed.ID,
		ActorID:     consumed.ActorID,
		Fingerprint: consumed.Fingerprint,
		Meaning:     consumed.Meaning,
		ChainID:     consumed.ChainID,
		Resource:    consumed.Resource,
		ConsumedAt:  consumed.ConsumedAt,
	}, nil
}

func (s *Service) recordFailedAttempt(ctx context.Context, ch *Challenge) error {
	attempts, err := s.store.RecordFailure(ctx, ch.ID, MaxAttempts)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "record failed attempt")
	}

	if _, aerr := s.auditor.Append(ctx, ledger.Draft{
		Type:    ledger.EventAuthFailed,
		ChainID: ch.ChainID,
		ActorID: ch.ActorID,
		Details: map[string]any{
			"challenge_id": ch.ID.String(),
			"attempts":     attempts,
		},
	}); aerr != nil {
		return aerr
	}

	if s.metrics != nil {
		s.metrics.IncAuthFailures()
	}
	if attempts >= MaxAttempts {
		return dErrors.New(dErrors.CodeAuthFailed, "credential rejected; challenge invalidated after repeated failures")
	}
	return dErrors.New(dErrors.CodeAuthFailed, "credential rejected")
}
