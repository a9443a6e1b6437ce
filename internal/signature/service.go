package signature

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"attest/internal/directory"
	"attest/internal/hashing"
	"attest/internal/ledger"
	"attest/internal/reauth"
	"attest/internal/timestamp"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/sentinel"
	"attest/pkg/requestcontext"
)

// Ledger is the slice of the audit ledger this service uses: committing
// signature events and checking chain health during verification.
type Ledger interface {
	Append(ctx context.Context, draft ledger.Draft) (*ledger.AuditEvent, error)
	VerifyChain(ctx context.Context, chainID id.ChainID, fromSeq, toSeq int64) (ledger.VerificationResult, error)
}

// Challenger is the re-authentication surface the signing flow drives.
type Challenger interface {
	Issue(ctx context.Context, p reauth.IssueParams) (*reauth.Challenge, error)
	Consume(ctx context.Context, challengeID id.ChallengeID, credential string) (*reauth.Proof, error)
}

// Directory resolves the signer snapshot frozen into each signature.
type Directory interface {
	Lookup(ctx context.Context, actor id.ActorID) (*directory.Signer, error)
}

// Metrics is the subset of platform metrics this service reports to.
type Metrics interface {
	IncSignaturesCreated(meaning string)
	IncSigningFailures(reason string)
}

// Service implements the signing protocol: preview, challenge, complete,
// verify. Stateless between calls.
type Service struct {
	store      Store
	content    ContentSource
	challenges Challenger
	directory  Directory
	ledger     Ledger
	clock      timestamp.Source
	logger     *slog.Logger
	metrics    Metrics
	tracer     trace.Tracer
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService builds the signature service.
func NewService(store Store, content ContentSource, challenges Challenger, dir Directory, led Ledger, clock timestamp.Source, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		content:    content,
		challenges: challenges,
		directory:  dir,
		ledger:     led,
		clock:      clock,
		logger:     logger,
		tracer:     otel.Tracer("attest/signature"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateParams starts a signing attempt.
type InitiateParams struct {
	ResourceID string
	Meaning    Meaning
	ChainID    id.ChainID
}

// InitiateResult is shown to the signer: exactly what will be signed, plus
// the challenge that must be consumed to sign it.
type InitiateResult struct {
	Challenge       *reauth.Challenge `json:"challenge"`
	Fingerprint     string            `json:"content_fingerprint"`
	ResourceVersion string            `json:"resource_version"`
	ResourceName    string            `json:"resource_name,omitempty"`
}

// Initiate fetches the current content, fingerprints it, and issues a
// challenge bound to that fingerprint and the requested meaning.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (*InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "signature.Initiate",
		trace.WithAttributes(attribute.String("resource_id", p.ResourceID)))
	defer span.End()

	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "signer identity required")
	}
	if p.ResourceID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "resource_id is required")
	}
	if !p.Meaning.Known() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown signature meaning %q", p.Meaning)
	}
	if p.ChainID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "chain_id is required")
	}

	content, err := s.content.GetContent(ctx, p.ResourceID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "resource not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "fetch content")
	}

	fingerprint, err := hashing.Fingerprint(content.Body)
	if err != nil {
		return nil, err
	}

	challenge, err := s.challenges.Issue(ctx, reauth.IssueParams{
		ActorID:     actor,
		Fingerprint: fingerprint,
		Meaning:     string(p.Meaning),
		ChainID:     p.ChainID,
		Resource: reauth.ResourceRef{
			Type:    content.ResourceType,
			ID:      content.ResourceID,
			Name:    content.Name,
			Version: content.Version,
		},
	})
	if err != nil {
		return nil, err
	}

	return &InitiateResult{
		Challenge:       challenge,
		Fingerprint:     fingerprint,
		ResourceVersion: content.Version,
		ResourceName:    content.Name,
	}, nil
}

// CompleteParams finishes a signing attempt.
type CompleteParams struct {
	ChallengeID id.ChallengeID
	Credential  string
	Reason      string
	CeremonyID  id.CeremonyID       // set when signing under a ceremony
	RequestID   id.SigningRequestID // ditto
}

// Complete consumes the challenge, re-checks that the content still matches
// the fingerprint bound at initiate time, and commits the signature with its
// audit event. Content drift between initiate and complete fails closed:
// stale intent is never signed against new content.
func (s *Service) Complete(ctx context.Context, p CompleteParams) (*ElectronicSignature, error) {
	ctx, span := s.tracer.Start(ctx, "signature.Complete",
		trace.WithAttributes(attribute.String("challenge_id", p.ChallengeID.String())))
	defer span.End()

	proof, err := s.challenges.Consume(ctx, p.ChallengeID, p.Credential)
	if err != nil {
		s.countFailure(ctx, err)
		return nil, err
	}

	current, err := s.content.GetContent(ctx, proof.Resource.ID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, s.failContentChanged(ctx, proof, "")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "fetch content")
	}
	currentFingerprint, err := hashing.Fingerprint(current.Body)
	if err != nil {
		return nil, err
	}
	if currentFingerprint != proof.Fingerprint {
		return nil, s.failContentChanged(ctx, proof, currentFingerprint)
	}

	ts, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}

	signer, err := s.directory.Lookup(ctx, proof.ActorID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve signer snapshot")
	}

	// One unit of work: the audit event and the signature row commit
	// together, or neither does. A ledger asserting a signature that was
	// never stored would be an unremovable false fact.
	sigID := id.NewSignatureID()
	var sig *ElectronicSignature
	err = s.store.Atomic(ctx, func(ctx context.Context) error {
		event, err := s.ledger.Append(ctx, ledger.Draft{
			Type:         ledger.EventSignatureCreated,
			ChainID:      proof.ChainID,
			ActorID:      proof.ActorID,
			ResourceType: proof.Resource.Type,
			ResourceID:   proof.Resource.ID,
			ResourceName: proof.Resource.Name,
			Reason:       p.Reason,
			Details: map[string]any{
				"signature_id": sigID.String(),
				"meaning":      proof.Meaning,
				"fingerprint":  proof.Fingerprint,
				"version":      proof.Resource.Version,
			},
		})
		if err != nil {
			return err
		}

		sig = &ElectronicSignature{
			ID:      sigID,
			ActorID: proof.ActorID,
			Signer: SignerSnapshot{
				Name:  signer.Name,
				Email: signer.Email,
				Roles: signer.Roles,
			},
			Meaning:         Meaning(proof.Meaning),
			ResourceType:    proof.Resource.Type,
			ResourceID:      proof.Resource.ID,
			ResourceName:    proof.Resource.Name,
			ResourceVersion: proof.Resource.Version,
			ContentHash:     proof.Fingerprint,
			ChallengeID:     proof.ChallengeID,
			CeremonyID:      p.CeremonyID,
			RequestID:       p.RequestID,
			ChainID:         event.ChainID,
			SignedAt:        ts.Time.Truncate(time.Microsecond),
			TimestampSource: ts.SourceID,
			AuthMethod:      "password",
			AuthenticatedAt: proof.ConsumedAt,
			ClientIP:        requestcontext.ClientIP(ctx),
			UserAgent:       requestcontext.UserAgent(ctx),
			Reason:          p.Reason,
			AuditEventID:    event.ID,
			Status:          StatusValid,
		}
		if err := s.store.Create(ctx, sig); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "store signature")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncSignaturesCreated(proof.Meaning)
	}
	s.logger.InfoContext(ctx, "signature created",
		"signature_id", sigID.String(),
		"resource_id", sig.ResourceID,
		"meaning", proof.Meaning,
	)
	return sig, nil
}

// failContentChanged audits the refusal and returns the fail-closed error.
func (s *Service) failContentChanged(ctx context.Context, proof *reauth.Proof, currentFingerprint string) error {
	details := map[string]any{
		"challenge_id":        proof.ChallengeID.String(),
		"bound_fingerprint":   proof.Fingerprint,
		"current_fingerprint": currentFingerprint,
	}
	if _, err := s.ledger.Append(ctx, ledger.Draft{
		Type:         ledger.EventSignatureFailed,
		ChainID:      proof.ChainID,
		ActorID:      proof.ActorID,
		ResourceType: proof.Resource.Type,
		ResourceID:   proof.Resource.ID,
		ResourceName: proof.Resource.Name,
		Details:      details,
	}); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.IncSigningFailures("content_changed")
	}
	return dErrors.New(dErrors.CodeContentChanged, "content changed between initiate and complete")
}

func (s *Service) countFailure(ctx context.Context, err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case dErrors.HasCode(err, dErrors.CodeExpired):
		s.metrics.IncSigningFailures("challenge_expired")
	case dErrors.HasCode(err, dErrors.CodeAuthFailed):
		s.metrics.IncSigningFailures("auth_failed")
	case dErrors.HasCode(err, dErrors.CodeConflict):
		s.metrics.IncSigningFailures("challenge_reused")
	}
}

// Verify recomputes the signature's fingerprint at its recorded version and
// reports signer existence and chain health. Never mutates the signature.
func (s *Service) Verify(ctx context.Context, sigID id.SignatureID) (VerificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "signature.Verify",
		trace.WithAttributes(attribute.String("signature_id", sigID.String())))
	defer span.End()

	sig, err := s.store.Get(ctx, sigID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return VerificationResult{}, dErrors.New(dErrors.CodeNotFound, "signature not found")
	}
	if err != nil {
		return VerificationResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "load signature")
	}

	result := VerificationResult{
		SignatureID:       sigID,
		Status:            sig.Status,
		StoredFingerprint: sig.ContentHash,
		CheckedAt:         time.Now().UTC(),
	}

	if _, err := s.directory.Lookup(ctx, sig.ActorID); err == nil {
		result.SignerExists = true
	} else if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return VerificationResult{}, err
	}

	content, err := s.content.GetContentVersion(ctx, sig.ResourceID, sig.ResourceVersion)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		// Version no longer retrievable: cannot re-derive the fingerprint,
		// so the content check fails closed.
	case err != nil:
		return VerificationResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "fetch content version")
	default:
		current, herr := hashing.Fingerprint(content.Body)
		if herr != nil {
			return VerificationResult{}, herr
		}
		result.CurrentFingerprint = current
		result.ContentMatch = current == sig.ContentHash
	}

	chain, err := s.ledger.VerifyChain(ctx, sig.ChainID, 0, 0)
	if err != nil {
		return VerificationResult{}, err
	}
	result.ChainValid = chain.IsValid

	result.IsValid = sig.Status == StatusValid &&
		result.ContentMatch && result.SignerExists && result.ChainValid
	return result, nil
}

// Invalidate marks a signature invalid with an audited, append-only record.
// The signature row itself is never edited back to valid.
func (s *Service) Invalidate(ctx context.Context, sigID id.SignatureID, reason string) (*ElectronicSignature, error) {
	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor identity required")
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalidation reason is required")
	}

	sig, err := s.store.Get(ctx, sigID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "signature not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load signature")
	}
	if sig.Status != StatusValid {
		return nil, dErrors.New(dErrors.CodeConflict, "signature already invalidated")
	}

	ts, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}

	// The invalidation record and its audit event share one unit of work,
	// same as signature creation.
	var inv Invalidation
	err = s.store.Atomic(ctx, func(ctx context.Context) error {
		event, err := s.ledger.Append(ctx, ledger.Draft{
			Type:         ledger.EventSignatureInvalidated,
			ChainID:      sig.ChainID,
			ActorID:      actor,
			ResourceType: sig.ResourceType,
			ResourceID:   sig.ResourceID,
			ResourceName: sig.ResourceName,
			Reason:       reason,
			Details: map[string]any{
				"signature_id": sigID.String(),
			},
		})
		if err != nil {
			return err
		}

		inv = Invalidation{
			Reason:        reason,
			InvalidatedBy: actor,
			InvalidatedAt: ts.Time.Truncate(time.Microsecond),
			AuditEventID:  event.ID,
		}
		if err := s.store.Invalidate(ctx, sigID, inv); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.New(dErrors.CodeConflict, "signature already invalidated")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "invalidate signature")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sig.Status = StatusInvalidated
	sig.Invalidation = &inv
	return sig, nil
}

// ListByResource returns every signature recorded against a resource, valid
// or invalidated.
func (s *Service) ListByResource(ctx context.Context, resourceID string) ([]*ElectronicSignature, error) {
	if resourceID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "resource_id is required")
	}
	sigs, err := s.store.ListByResource(ctx, resourceID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list signatures")
	}
	return sigs, nil
}
