package signature

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
	txcontext "attest/pkg/platform/tx"
)

// PostgresStore persists signatures in the signatures table. Both signatures
// and their invalidation records are insert-only; a trigger rejects UPDATE
// and DELETE on both tables (see db/migrations), so a committed signature can
// never be rewritten, not even by direct SQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore builds a Postgres-backed signature store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) exec(ctx context.Context) execer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Atomic runs fn inside a single transaction exposed through the context, so
// the signature row and its audit event commit or roll back together. When
// the context already carries a transaction (a ceremony transition), fn joins
// it and the outer caller commits.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin signature tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit signature tx: %w", err)
	}
	return nil
}

// Create inserts the signature row. When the context carries a transaction
// (committed together with the audit event), the insert joins it.
func (s *PostgresStore) Create(ctx context.Context, sig *ElectronicSignature) error {
	var ceremonyID, requestID any
	if !sig.CeremonyID.IsNil() {
		ceremonyID = sig.CeremonyID.String()
	}
	if !sig.RequestID.IsNil() {
		requestID = sig.RequestID.String()
	}

	_, err := s.exec(ctx).ExecContext(ctx, `
		INSERT INTO signatures (
			id, actor_id, signer_name, signer_email, signer_roles,
			meaning, resource_type, resource_id, resource_name, resource_version,
			content_hash, challenge_id, ceremony_id, request_id, chain_id,
			signed_at, timestamp_source, auth_method, authenticated_at,
			client_ip, user_agent, reason, audit_event_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`,
		sig.ID.String(), sig.ActorID.String(), sig.Signer.Name, sig.Signer.Email, pq.Array(sig.Signer.Roles),
		string(sig.Meaning), sig.ResourceType, sig.ResourceID, sig.ResourceName, sig.ResourceVersion,
		sig.ContentHash, sig.ChallengeID.String(), ceremonyID, requestID, sig.ChainID.String(),
		sig.SignedAt, sig.TimestampSource, sig.AuthMethod, sig.AuthenticatedAt,
		sig.ClientIP, sig.UserAgent, sig.Reason, sig.AuditEventID.String(),
	)
	if err != nil {
		if pqCode(err) == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

const signatureColumns = `
	s.id, s.actor_id, s.signer_name, s.signer_email, s.signer_roles,
	s.meaning, s.resource_type, s.resource_id, s.resource_name, s.resource_version,
	s.content_hash, s.challenge_id, s.ceremony_id, s.request_id, s.chain_id,
	s.signed_at, s.timestamp_source, s.auth_method, s.authenticated_at,
	s.client_ip, s.user_agent, s.reason, s.audit_event_id,
	i.reason, i.invalidated_by, i.invalidated_at, i.audit_event_id`

const signatureFrom = `
	FROM signatures s
	LEFT JOIN signature_invalidations i ON i.signature_id = s.id`

func (s *PostgresStore) Get(ctx context.Context, sigID id.SignatureID) (*ElectronicSignature, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signatureColumns+signatureFrom+` WHERE s.id = $1`, sigID.String())
	sig, err := scanSignature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return sig, err
}

func (s *PostgresStore) ListByResource(ctx context.Context, resourceID string) ([]*ElectronicSignature, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signatureColumns+signatureFrom+` WHERE s.resource_id = $1 ORDER BY s.signed_at`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query signatures: %w", err)
	}
	defer rows.Close()

	var out []*ElectronicSignature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signatures: %w", err)
	}
	return out, nil
}

// Invalidate appends the invalidation record. The signature row is untouched;
// the primary key on signature_id makes a second invalidation a conflict.
func (s *PostgresStore) Invalidate(ctx context.Context, sigID id.SignatureID, inv Invalidation) error {
	_, err := s.exec(ctx).ExecContext(ctx, `
		INSERT INTO signature_invalidations (
			signature_id, reason, invalidated_by, invalidated_at, audit_event_id
		)
		VALUES ($1, $2, $3, $4, $5)
	`, sigID.String(), inv.Reason, inv.InvalidatedBy.String(), inv.InvalidatedAt, inv.AuditEventID.String())
	if err != nil {
		switch pqCode(err) {
		case "23505":
			return sentinel.ErrInvalidState
		case "23503":
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("insert signature invalidation: %w", err)
	}
	return nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignature(row rowScanner) (*ElectronicSignature, error) {
	var (
		sig        ElectronicSignature
		idStr      string
		actorStr   string
		meaning    string
		challenge  string
		ceremony   sql.NullString
		request    sql.NullString
		chain      string
		eventStr   string
		invReason  sql.NullString
		invBy      sql.NullString
		invAt      sql.NullTime
		invEventID sql.NullString
	)
	err := row.Scan(
		&idStr, &actorStr, &sig.Signer.Name, &sig.Signer.Email, pq.Array(&sig.Signer.Roles),
		&meaning, &sig.ResourceType, &sig.ResourceID, &sig.ResourceName, &sig.ResourceVersion,
		&sig.ContentHash, &challenge, &ceremony, &request, &chain,
		&sig.SignedAt, &sig.TimestampSource, &sig.AuthMethod, &sig.AuthenticatedAt,
		&sig.ClientIP, &sig.UserAgent, &sig.Reason, &eventStr,
		&invReason, &invBy, &invAt, &invEventID,
	)
	if err != nil {
		return nil, err
	}

	if sig.ID, err = id.ParseSignatureID(idStr); err != nil {
		return nil, fmt.Errorf("stored signature id invalid: %w", err)
	}
	if sig.ActorID, err = id.ParseActorID(actorStr); err != nil {
		return nil, fmt.Errorf("stored actor id invalid: %w", err)
	}
	if sig.ChallengeID, err = id.ParseChallengeID(challenge); err != nil {
		return nil, fmt.Errorf("stored challenge id invalid: %w", err)
	}
	if ceremony.Valid {
		if sig.CeremonyID, err = id.ParseCeremonyID(ceremony.String); err != nil {
			return nil, fmt.Errorf("stored ceremony id invalid: %w", err)
		}
	}
	if request.Valid {
		if sig.RequestID, err = id.ParseSigningRequestID(request.String); err != nil {
			return nil, fmt.Errorf("stored request id invalid: %w", err)
		}
	}
	if sig.AuditEventID, err = id.ParseEventID(eventStr); err != nil {
		return nil, fmt.Errorf("stored audit event id invalid: %w", err)
	}
	sig.Meaning = Meaning(meaning)
	sig.ChainID = id.ChainID(chain)

	// Status is derived from the presence of an invalidation record.
	sig.Status = StatusValid
	if invReason.Valid {
		inv := Invalidation{Reason: invReason.String}
		if invBy.Valid {
			if inv.InvalidatedBy, err = id.ParseActorID(invBy.String); err != nil {
				return nil, fmt.Errorf("stored invalidator id invalid: %w", err)
			}
		}
		if invAt.Valid {
			inv.InvalidatedAt = invAt.Time
		}
		if invEventID.Valid {
			if inv.AuditEventID, err = id.ParseEventID(invEventID.String); err != nil {
				return nil, fmt.Errorf("stored invalidation event id invalid: %w", err)
			}
		}
		sig.Status = StatusInvalidated
		sig.Invalidation = &inv
	}
	return &sig, nil
}
