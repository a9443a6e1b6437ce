package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"attest/internal/timestamp"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/sentinel"
	"attest/pkg/requestcontext"
)

// StreamPublisher fans appended events out to downstream consumers (SIEM,
// reporting). Best-effort: the Postgres row is the source of truth and a
// publish failure never fails the append.
type StreamPublisher interface {
	Publish(ctx context.Context, ev *AuditEvent) error
}

// Metrics is the subset of platform metrics the ledger reports to.
type Metrics interface {
	IncEventsAppended(eventType string)
	IncAppendFailures(reason string)
	ObserveVerifyDuration(seconds float64)
}

// Service is the AuditLedger entry point. Stateless between calls; the store
// is the single point of serialization.
type Service struct {
	store   Store
	clock   timestamp.Source
	logger  *slog.Logger
	metrics Metrics
	stream  StreamPublisher
	tracer  trace.Tracer
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithStream attaches a downstream event publisher.
func WithStream(p StreamPublisher) ServiceOption {
	return func(s *Service) { s.stream = p }
}

// NewService builds the ledger service.
func NewService(store Store, clock timestamp.Source, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		clock:  clock,
		logger: logger,
		tracer: otel.Tracer("attest/ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// appendRetries bounds ConcurrentAppendConflict retries. The conflict is
// transient: a retry re-reads the tail and rebuilds the event.
const appendRetries = 3

// Append validates the draft, obtains a trusted timestamp, and extends the
// chain. Order matters: validation happens before any timestamp or hash work,
// and a missing reason is a validation failure, never defaulted.
func (s *Service) Append(ctx context.Context, draft Draft) (*AuditEvent, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Append",
		trace.WithAttributes(
			attribute.String("chain_id", draft.ChainID.String()),
			attribute.String("event_type", string(draft.Type)),
		))
	defer span.End()

	if err := validateDraft(&draft); err != nil {
		s.countFailure("validation")
		return nil, err
	}
	enrichFromContext(ctx, &draft)

	ts, err := s.clock.Now(ctx)
	if err != nil {
		s.countFailure("clock")
		return nil, err
	}
	// Microsecond precision: timestamptz cannot hold nanoseconds, and the
	// chain hash must survive a storage round trip.
	stamped := ts.Time.Truncate(time.Microsecond)

	var stored *AuditEvent
	for attempt := 0; ; attempt++ {
		stored, err = s.store.Append(ctx, draft.ChainID, func(sequence int64, prevHash string) (*AuditEvent, error) {
			ev := &AuditEvent{
				ID:              id.NewEventID(),
				Type:            draft.Type,
				Timestamp:       stamped,
				TimestampSource: ts.SourceID,
				ActorID:         draft.ActorID,
				ClientIP:        draft.ClientIP,
				UserAgent:       draft.UserAgent,
				ResourceType:    draft.ResourceType,
				ResourceID:      draft.ResourceID,
				ResourceName:    draft.ResourceName,
				Details:         draft.Details,
				Reason:          draft.Reason,
				ChainID:         draft.ChainID,
				Sequence:        sequence,
				PrevHash:        prevHash,
			}
			hash, herr := EventHash(ev)
			if herr != nil {
				return nil, herr
			}
			ev.EventHash = hash
			return ev, nil
		})
		if err == nil {
			break
		}
		if errors.Is(err, sentinel.ErrConflict) && attempt < appendRetries {
			continue
		}
		s.countFailure("store")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "append audit event")
	}

	if s.metrics != nil {
		s.metrics.IncEventsAppended(string(stored.Type))
	}
	if s.stream != nil {
		if perr := s.stream.Publish(ctx, stored); perr != nil {
			s.logger.WarnContext(ctx, "audit stream publish failed",
				"event_id", stored.ID.String(),
				"chain_id", stored.ChainID.String(),
				"error", perr,
			)
		}
	}
	return stored, nil
}

func (s *Service) countFailure(reason string) {
	if s.metrics != nil {
		s.metrics.IncAppendFailures(reason)
	}
}

func validateDraft(draft *Draft) error {
	if draft.ChainID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "chain_id is required")
	}
	if !draft.Type.Known() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown event type %q", draft.Type)
	}
	if draft.Type.RequiresReason() && draft.Reason == "" {
		return dErrors.Newf(dErrors.CodeInvalidInput, "event type %s requires a reason", draft.Type)
	}
	return nil
}

// enrichFromContext fills actor and client metadata from the request context
// when the caller did not set them explicitly.
func enrichFromContext(ctx context.Context, draft *Draft) {
	if draft.ActorID.IsNil() {
		draft.ActorID = requestcontext.ActorID(ctx)
	}
	if draft.ClientIP == "" {
		draft.ClientIP = requestcontext.ClientIP(ctx)
	}
	if draft.UserAgent == "" {
		draft.UserAgent = requestcontext.UserAgent(ctx)
	}

	// Access decisions are computed by the caller; the ledger audits the
	// decision and the policy that produced it.
	switch draft.Type {
	case EventAccessGranted, EventAccessRevoked, EventAccessDenied:
		if p := requestcontext.Permission(ctx); p.Policy != "" {
			if draft.Details == nil {
				draft.Details = map[string]any{}
			}
			if _, ok := draft.Details["policy"]; !ok {
				draft.Details["policy"] = p.Policy
				draft.Details["granted"] = p.Granted
			}
		}
	}
}

// VerifyChain walks [fromSeq, toSeq] of a chain (zero bounds mean the whole
// chain) and recomputes every hash. The first mismatch of either kind (stored
// hash differs from recomputation, or claimed prev_hash differs from the
// predecessor's actual hash) marks the chain broken at that sequence.
// The walk continues to completion so the result reports the full count.
// Read-only and safe to run concurrently with appends.
func (s *Service) VerifyChain(ctx context.Context, chainID id.ChainID, fromSeq, toSeq int64) (VerificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.VerifyChain",
		trace.WithAttributes(attribute.String("chain_id", chainID.String())))
	defer span.End()

	if chainID == "" {
		return VerificationResult{}, dErrors.New(dErrors.CodeInvalidInput, "chain_id is required")
	}

	start := time.Now()
	events, err := s.store.List(ctx, Filter{ChainID: chainID, FromSeq: fromSeq, ToSeq: toSeq})
	if err != nil {
		return VerificationResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "list events for verification")
	}

	result := VerificationResult{ChainID: chainID, IsValid: true}
	var prevHash string
	for i, ev := range events {
		computed, herr := EventHash(ev)
		if herr != nil {
			return VerificationResult{}, dErrors.Wrap(herr, dErrors.CodeInternal, "recompute event hash")
		}

		broken := computed != ev.EventHash
		if !broken {
			switch {
			case i > 0:
				broken = ev.PrevHash != prevHash
			case ev.Sequence == 1:
				broken = ev.PrevHash != GenesisHash
			}
			// A range starting mid-chain trusts the first event's claimed
			// prev_hash; linkage below the range is that range's concern.
		}
		if broken && result.IsValid {
			result.IsValid = false
			result.FirstBrokenSequence = ev.Sequence
			result.StoredHash = ev.EventHash
			result.ComputedHash = computed
		}

		prevHash = ev.EventHash
		result.EventsChecked++
	}
	result.Duration = time.Since(start)

	if s.metrics != nil {
		s.metrics.ObserveVerifyDuration(result.Duration.Seconds())
	}
	if !result.IsValid {
		s.logger.ErrorContext(ctx, "audit chain integrity violation",
			"chain_id", chainID.String(),
			"first_broken_sequence", result.FirstBrokenSequence,
			"stored_hash", result.StoredHash,
			"computed_hash", result.ComputedHash,
		)
	}
	return result, nil
}

// AssertChain runs VerifyChain and converts a broken range into an error,
// for callers that must fail closed on tampering (strict verification,
// scheduled integrity checks) instead of inspecting the result.
func (s *Service) AssertChain(ctx context.Context, chainID id.ChainID, fromSeq, toSeq int64) (VerificationResult, error) {
	result, err := s.VerifyChain(ctx, chainID, fromSeq, toSeq)
	if err != nil {
		return result, err
	}
	if !result.IsValid {
		return result, dErrors.Newf(dErrors.CodeIntegrityViolation,
			"chain %s broken at sequence %d", chainID, result.FirstBrokenSequence)
	}
	return result, nil
}

// List returns committed events matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]*AuditEvent, error) {
	events, err := s.store.List(ctx, f)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list audit events")
	}
	return events, nil
}
