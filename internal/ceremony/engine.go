package ceremony

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"attest/internal/hashing"
	"attest/internal/ledger"
	"attest/internal/signature"
	"attest/internal/timestamp"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/sentinel"
	"attest/pkg/requestcontext"
)

// Signatures is the slice of the signature service the engine drives for
// each signing request.
type Signatures interface {
	Initiate(ctx context.Context, p signature.InitiateParams) (*signature.InitiateResult, error)
	Complete(ctx context.Context, p signature.CompleteParams) (*signature.ElectronicSignature, error)
}

// Ledger commits the ceremony's orchestration events.
type Ledger interface {
	Append(ctx context.Context, draft ledger.Draft) (*ledger.AuditEvent, error)
}

// Metrics counts ceremony outcomes.
type Metrics interface {
	IncCeremoniesCreated()
	IncCeremoniesFinished(status string)
}

// Engine runs the signing ceremony state machine. All transitions go
// through Store.Mutate so concurrent signers within one ceremony are
// serialized, and every transition is individually audited.
type Engine struct {
	store   Store
	sigs    Signatures
	content signature.ContentSource
	ledger  Ledger
	clock   timestamp.Source
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithMetrics attaches ceremony counters.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds the ceremony engine.
func NewEngine(store Store, sigs Signatures, content signature.ContentSource, led Ledger, clock timestamp.Source, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		sigs:    sigs,
		content: content,
		ledger:  led,
		clock:   clock,
		logger:  logger,
		tracer:  otel.Tracer("attest/ceremony"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SignerSpec describes one participant at creation time.
type SignerSpec struct {
	SignerID      id.ActorID        `json:"signer_id"`
	Meaning       signature.Meaning `json:"meaning"`
	RequireReview bool              `json:"require_review"`
}

// CreateParams describes a new ceremony.
type CreateParams struct {
	ResourceID      string         `json:"resource_id"`
	ChainID         id.ChainID     `json:"chain_id"`
	Rule            CompletionRule `json:"completion_rule"`
	RuleCount       int            `json:"rule_count,omitempty"`
	RulePercent     int            `json:"rule_percent,omitempty"`
	Order           Order          `json:"signing_order"`
	AllowDelegation bool           `json:"allow_delegation"`
	Timeout         time.Duration  `json:"timeout,omitempty"`
	TimeoutPolicy   TimeoutPolicy  `json:"timeout_policy"`
	Signers         []SignerSpec   `json:"signers"`
}

// Create freezes the resource's current fingerprint, fans out one request
// per signer, and opens the first requests per the signing order.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Ceremony, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.Create",
		trace.WithAttributes(attribute.String("resource_id", p.ResourceID)))
	defer span.End()

	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "creator identity required")
	}
	if err := validateCreate(&p); err != nil {
		return nil, err
	}

	content, err := e.content.GetContent(ctx, p.ResourceID)
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

	ts, err := e.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	now := ts.Time.Truncate(time.Microsecond)

	c := &Ceremony{
		ID:              id.NewCeremonyID(),
		ResourceType:    content.ResourceType,
		ResourceID:      content.ResourceID,
		ResourceName:    content.Name,
		ContentHash:     fingerprint,
		ChainID:         p.ChainID,
		Rule:            p.Rule,
		RuleCount:       p.RuleCount,
		RulePercent:     p.RulePercent,
		Order:           p.Order,
		AllowDelegation: p.AllowDelegation,
		TimeoutPolicy:   p.TimeoutPolicy,
		Status:          StatusInProgress,
		CreatedBy:       actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.Timeout > 0 {
		c.TimeoutAt = now.Add(p.Timeout)
	}
	for i, s := range p.Signers {
		c.Requests = append(c.Requests, &SigningRequest{
			ID:            id.NewSigningRequestID(),
			CeremonyID:    c.ID,
			SignerID:      s.SignerID,
			Ordinal:       i + 1,
			Meaning:       s.Meaning,
			State:         StatePending,
			RequireReview: s.RequireReview,
			UpdatedAt:     now,
		})
	}
	recomputeReadiness(c)

	if _, err := e.ledger.Append(ctx, ledger.Draft{
		Type:         ledger.EventCeremonyCreated,
		ChainID:      c.ChainID,
		ActorID:      actor,
		ResourceType: c.ResourceType,
		ResourceID:   c.ResourceID,
		ResourceName: c.ResourceName,
		Details: map[string]any{
			"ceremony_id":     c.ID.String(),
			"fingerprint":     c.ContentHash,
			"completion_rule": string(c.Rule),
			"signing_order":   string(c.Order),
			"signer_count":    len(c.Requests),
		},
	}); err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, c); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "store ceremony")
	}

	if e.metrics != nil {
		e.metrics.IncCeremoniesCreated()
	}
	e.logger.InfoContext(ctx, "ceremony created",
		"ceremony_id", c.ID.String(),
		"resource_id", c.ResourceID,
		"signers", len(c.Requests),
	)
	return c, nil
}

func validateCreate(p *CreateParams) error {
	if p.ResourceID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "resource_id is required")
	}
	if p.ChainID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "chain_id is required")
	}
	if len(p.Signers) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "at least one signer is required")
	}
	for _, s := range p.Signers {
		if s.SignerID.IsNil() {
			return dErrors.New(dErrors.CodeInvalidInput, "signer_id is required for every signer")
		}
		if !s.Meaning.Known() {
			return dErrors.Newf(dErrors.CodeInvalidInput, "unknown signature meaning %q", s.Meaning)
		}
	}
	switch p.Rule {
	case RuleAll:
	case RuleCount:
		if p.RuleCount < 1 || p.RuleCount > len(p.Signers) {
			return dErrors.Newf(dErrors.CodeInvalidInput, "rule_count must be between 1 and %d", len(p.Signers))
		}
	case RulePercent:
		if p.RulePercent < 1 || p.RulePercent > 100 {
			return dErrors.New(dErrors.CodeInvalidInput, "rule_percent must be between 1 and 100")
		}
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown completion rule %q", p.Rule)
	}
	switch p.Order {
	case OrderSequential, OrderParallel:
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown signing order %q", p.Order)
	}
	switch p.TimeoutPolicy {
	case TimeoutPending, TimeoutSilentDecline, TimeoutSilentApprove:
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown timeout policy %q", p.TimeoutPolicy)
	}
	if p.TimeoutPolicy != TimeoutPending && p.Timeout <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "timeout is required for the configured timeout policy")
	}
	return nil
}

// Get returns the ceremony with its requests.
func (e *Engine) Get(ctx context.Context, ceremonyID id.CeremonyID) (*Ceremony, error) {
	c, err := e.store.Get(ctx, ceremonyID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "ceremony not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load ceremony")
	}
	return c, nil
}

// InitiateSign starts the signing flow for one READY request. The frozen
// ceremony fingerprint is checked against the resource's current content
// first: a ceremony never collects signatures over content that drifted
// after creation.
func (e *Engine) InitiateSign(ctx context.Context, ceremonyID id.CeremonyID, requestID id.SigningRequestID) (*signature.InitiateResult, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.InitiateSign",
		trace.WithAttributes(attribute.String("ceremony_id", ceremonyID.String())))
	defer span.End()

	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "signer identity required")
	}

	c, err := e.Get(ctx, ceremonyID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusInProgress {
		return nil, dErrors.Newf(dErrors.CodeConflict, "ceremony is %s", c.Status)
	}
	r := c.request(requestID)
	if r == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "signing request not found")
	}
	if r.SignerID != actor {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "request belongs to another signer")
	}
	if r.State != StateReady {
		return nil, dErrors.Newf(dErrors.CodeConflict, "request is %s, not ready", r.State)
	}

	current, err := e.content.GetContent(ctx, c.ResourceID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeContentChanged, "resource no longer exists")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "fetch content")
	}
	fingerprint, err := hashing.Fingerprint(current.Body)
	if err != nil {
		return nil, err
	}
	if fingerprint != c.ContentHash {
		return nil, dErrors.New(dErrors.CodeContentChanged, "content changed since the ceremony froze its fingerprint")
	}

	return e.sigs.Initiate(ctx, signature.InitiateParams{
		ResourceID: c.ResourceID,
		Meaning:    r.Meaning,
		ChainID:    c.ChainID,
	})
}

// CompleteSign consumes the challenge, creates the signature, and advances
// the ceremony. The signature, the request transition, and any resulting
// ceremony completion commit as one mutation.
func (e *Engine) CompleteSign(ctx context.Context, ceremonyID id.CeremonyID, requestID id.SigningRequestID, challengeID id.ChallengeID, credential, reason string) (*Ceremony, error) {
	ctx, span := e.tracer.Start(ctx, "ceremony.CompleteSign",
		trace.WithAttributes(attribute.String("ceremony_id", ceremonyID.String())))
	defer span.End()

	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "signer identity required")
	}

	err := e.mutate(ctx, ceremonyID, func(ctx context.Context, c *Ceremony) error {
		if c.Status != StatusInProgress {
			return dErrors.Newf(dErrors.CodeConflict, "ceremony is %s", c.Status)
		}
		r := c.request(requestID)
		if r == nil {
			return dErrors.New(dErrors.CodeNotFound, "signing request not found")
		}
		if r.SignerID != actor {
			return dErrors.New(dErrors.CodeUnauthorized, "request belongs to another signer")
		}
		if r.State != StateReady {
			return dErrors.Newf(dErrors.CodeConflict, "request is %s, not ready", r.State)
		}

		sig, err := e.sigs.Complete(ctx, signature.CompleteParams{
			ChallengeID: challengeID,
			Credential:  credential,
			Reason:      reason,
			CeremonyID:  c.ID,
			RequestID:   r.ID,
		})
		if err != nil {
			return err
		}
		if sig.ContentHash != c.ContentHash {
			return dErrors.New(dErrors.CodeContentChanged, "signature fingerprint does not match the ceremony's frozen fingerprint")
		}

		return e.transition(ctx, c, r, StateSigned, func(r *SigningRequest) {
			r.SignatureID = sig.ID
		}, map[string]any{"signature_id": sig.ID.String()})
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, ceremonyID)
}

// Decline refuses a request. Reason is mandatory: a refusal with no reason
// is not auditable.
func (e *Engine) Decline(ctx context.Context, ceremonyID id.CeremonyID, requestID id.SigningRequestID, reason string) (*Ceremony, error) {
	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "signer identity required")
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "decline reason is required")
	}

	err := e.mutate(ctx, ceremonyID, func(ctx context.Context, c *Ceremony) error {
		if c.Status != StatusInProgress {
			return dErrors.Newf(dErrors.CodeConflict, "ceremony is %s", c.Status)
		}
		r := c.request(requestID)
		if r == nil {
			return dErrors.New(dErrors.CodeNotFound, "signing request not found")
		}
		if r.SignerID != actor {
			return dErrors.New(dErrors.CodeUnauthorized, "request belongs to another signer")
		}
		if r.State.terminal() {
			return dErrors.Newf(dErrors.CodeConflict, "request already %s", r.State)
		}

		return e.transition(ctx, c, r, StateDeclined, func(r *SigningRequest) {
			r.DeclineReason = reason
		}, map[string]any{"reason": reason})
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, ceremonyID)
}

// Delegate hands a request to a different signer. Only allowed when the
// ceremony was created with delegation enabled, and only by the request's
// current signer while it is still open.
func (e *Engine) Delegate(ctx context.Context, ceremonyID id.CeremonyID, requestID id.SigningRequestID, newSigner id.ActorID) (*Ceremony, error) {
	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "signer identity required")
	}
	if newSigner.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "delegate signer_id is required")
	}

	err := e.mutate(ctx, ceremonyID, func(ctx context.Context, c *Ceremony) error {
		if c.Status != StatusInProgress {
			return dErrors.Newf(dErrors.CodeConflict, "ceremony is %s", c.Status)
		}
		if !c.AllowDelegation {
			return dErrors.New(dErrors.CodeInvalidInput, "ceremony does not allow delegation")
		}
		r := c.request(requestID)
		if r == nil {
			return dErrors.New(dErrors.CodeNotFound, "signing request not found")
		}
		if r.SignerID != actor {
			return dErrors.New(dErrors.CodeUnauthorized, "request belongs to another signer")
		}
		if r.State.terminal() {
			return dErrors.Newf(dErrors.CodeConflict, "request already %s", r.State)
		}
		if newSigner == r.SignerID {
			return dErrors.New(dErrors.CodeInvalidInput, "cannot delegate to the current signer")
		}

		previous := r.SignerID
		return e.transition(ctx, c, r, StatePending, func(r *SigningRequest) {
			r.DelegatedFrom = previous
			r.SignerID = newSigner
		}, map[string]any{
			"delegated_from": previous.String(),
			"delegated_to":   newSigner.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, ceremonyID)
}

// ApproveReview clears a request's peer-review gate. The reviewer must be
// someone other than the request's signer.
func (e *Engine) ApproveReview(ctx context.Context, ceremonyID id.CeremonyID, requestID id.SigningRequestID) (*Ceremony, error) {
	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "reviewer identity required")
	}

	err := e.mutate(ctx, ceremonyID, func(ctx context.Context, c *Ceremony) error {
		if c.Status != StatusInProgress {
			return dErrors.Newf(dErrors.CodeConflict, "ceremony is %s", c.Status)
		}
		r := c.request(requestID)
		if r == nil {
			return dErrors.New(dErrors.CodeNotFound, "signing request not found")
		}
		if r.State != StatePeerReviewPending {
			return dErrors.Newf(dErrors.CodeConflict, "request is %s, not awaiting review", r.State)
		}
		if actor == r.SignerID {
			return dErrors.New(dErrors.CodeUnauthorized, "a signer cannot review their own request")
		}

		return e.transition(ctx, c, r, StateReady, func(r *SigningRequest) {
			r.RequireReview = false
			r.ReviewerID = actor
		}, map[string]any{"reviewer_id": actor.String()})
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, ceremonyID)
}

// Cancel terminates the ceremony by administrative action. Signatures
// already created under it remain valid historical facts; no further
// request may transition afterwards.
func (e *Engine) Cancel(ctx context.Context, ceremonyID id.CeremonyID, reason string) (*Ceremony, error) {
	actor := requestcontext.ActorID(ctx)
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor identity required")
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "cancel reason is required")
	}

	err := e.mutate(ctx, ceremonyID, func(ctx context.Context, c *Ceremony) error {
		if c.Status != StatusInProgress {
			return dErrors.Newf(dErrors.CodeConflict, "ceremony is %s", c.Status)
		}

		ts, err := e.clock.Now(ctx)
		if err != nil {
			return err
		}
		now := ts.Time.Truncate(time.Microsecond)

		c.Status = StatusCancelled
		c.CancelReason = reason
		c.UpdatedAt = now

		if _, err := e.ledger.Append(ctx, ledger.Draft{
			Type:         ledger.EventCeremonyCancelled,
			ChainID:      c.ChainID,
			ActorID:      actor,
			ResourceType: c.ResourceType,
			ResourceID:   c.ResourceID,
			ResourceName: c.ResourceName,
			Reason:       reason,
			Details:      map[string]any{"ceremony_id": c.ID.String()},
		}); err != nil {
			return err
		}
		e.finish(ctx, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, ceremonyID)
}

// mutate runs fn under the store's per-ceremony serialization, mapping the
// store's not-found sentinel to the caller-facing error.
func (e *Engine) mutate(ctx context.Context, ceremonyID id.CeremonyID, fn func(ctx context.Context, c *Ceremony) error) error {
	err := e.store.Mutate(ctx, ceremonyID, fn)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "ceremony not found")
	}
	return err
}

// transition moves a request to a new state, audits the edge, reopens
// readiness, and completes the ceremony when the rule is satisfied.
func (e *Engine) transition(ctx context.Context, c *Ceremony, r *SigningRequest, to RequestState, apply func(*SigningRequest), details map[string]any) error {
	ts, err := e.clock.Now(ctx)
	if err != nil {
		return err
	}
	now := ts.Time.Truncate(time.Microsecond)

	from := r.State
	r.State = to
	r.UpdatedAt = now
	if apply != nil {
		apply(r)
	}

	eventDetails := map[string]any{
		"ceremony_id": c.ID.String(),
		"request_id":  r.ID.String(),
		"from_state":  string(from),
		"to_state":    string(to),
	}
	for k, v := range details {
		eventDetails[k] = v
	}
	if _, err := e.ledger.Append(ctx, ledger.Draft{
		Type:         ledger.EventRequestTransition,
		ChainID:      c.ChainID,
		ActorID:      requestcontext.ActorID(ctx),
		ResourceType: c.ResourceType,
		ResourceID:   c.ResourceID,
		ResourceName: c.ResourceName,
		Details:      eventDetails,
	}); err != nil {
		return err
	}

	recomputeReadiness(c)
	c.UpdatedAt = now

	if AggregateStatus(c) == StatusCompleted {
		c.Status = StatusCompleted
		c.CompletedAt = now
		if _, err := e.ledger.Append(ctx, ledger.Draft{
			Type:         ledger.EventCeremonyCompleted,
			ChainID:      c.ChainID,
			ResourceType: c.ResourceType,
			ResourceID:   c.ResourceID,
			ResourceName: c.ResourceName,
			Details: map[string]any{
				"ceremony_id":     c.ID.String(),
				"completion_rule": string(c.Rule),
			},
		}); err != nil {
			return err
		}
		e.finish(ctx, c)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, c *Ceremony) {
	if e.metrics != nil {
		e.metrics.IncCeremoniesFinished(string(c.Status))
	}
	e.logger.InfoContext(ctx, "ceremony finished",
		"ceremony_id", c.ID.String(),
		"status", string(c.Status),
	)
}
