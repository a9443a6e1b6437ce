package ceremony

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
	txcontext "attest/pkg/platform/tx"
)

// PostgresStore persists ceremonies across the ceremonies and
// signing_requests tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore builds a Postgres-backed ceremony store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *Ceremony) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertCeremony(ctx, tx, c); err != nil {
		return err
	}
	for _, r := range c.Requests {
		if err := insertRequest(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ceremonyID id.CeremonyID) (*Ceremony, error) {
	return loadCeremony(ctx, s.db, ceremonyID)
}

// Mutate serializes transitions per ceremony with a transaction-scoped
// advisory lock, and exposes the transaction through the context so audit
// events and signatures written by fn commit atomically with the new state.
func (s *PostgresStore) Mutate(ctx context.Context, ceremonyID id.CeremonyID, fn func(ctx context.Context, c *Ceremony) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mutate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ceremonyID.String()); err != nil {
		return fmt.Errorf("acquire ceremony lock: %w", err)
	}

	c, err := loadCeremony(ctx, tx, ceremonyID)
	if err != nil {
		return err
	}

	if err := fn(txcontext.WithTx(ctx, tx), c); err != nil {
		return err
	}

	if err := saveCeremony(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mutate tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]id.CeremonyID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM ceremonies
		WHERE status = $1 AND timeout_at IS NOT NULL AND timeout_at < $2
	`, string(StatusInProgress), now)
	if err != nil {
		return nil, fmt.Errorf("query due ceremonies: %w", err)
	}
	defer rows.Close()

	var due []id.CeremonyID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scan ceremony id: %w", err)
		}
		cid, err := id.ParseCeremonyID(idStr)
		if err != nil {
			return nil, fmt.Errorf("stored ceremony id invalid: %w", err)
		}
		due = append(due, cid)
	}
	return due, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadCeremony(ctx context.Context, q querier, ceremonyID id.CeremonyID) (*Ceremony, error) {
	var (
		c         Ceremony
		idStr     string
		chainStr  string
		createdBy string
		timeoutAt sql.NullTime
		completed sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, resource_type, resource_id, resource_name, content_hash, chain_id,
		       completion_rule, rule_count, rule_percent, signing_order, allow_delegation,
		       timeout_at, timeout_policy, status, created_by,
		       created_at, updated_at, completed_at, cancel_reason
		FROM ceremonies WHERE id = $1
	`, ceremonyID.String()).Scan(
		&idStr, &c.ResourceType, &c.ResourceID, &c.ResourceName, &c.ContentHash, &chainStr,
		&c.Rule, &c.RuleCount, &c.RulePercent, &c.Order, &c.AllowDelegation,
		&timeoutAt, &c.TimeoutPolicy, &c.Status, &createdBy,
		&c.CreatedAt, &c.UpdatedAt, &completed, &c.CancelReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ceremony: %w", err)
	}

	if c.ID, err = id.ParseCeremonyID(idStr); err != nil {
		return nil, fmt.Errorf("stored ceremony id invalid: %w", err)
	}
	if c.CreatedBy, err = id.ParseActorID(createdBy); err != nil {
		return nil, fmt.Errorf("stored creator id invalid: %w", err)
	}
	c.ChainID = id.ChainID(chainStr)
	if timeoutAt.Valid {
		c.TimeoutAt = timeoutAt.Time
	}
	if completed.Valid {
		c.CompletedAt = completed.Time
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, signer_id, ordinal, meaning, state, require_review,
		       reviewer_id, delegated_from, signature_id, decline_reason,
		       timeout_resolution, updated_at
		FROM signing_requests WHERE ceremony_id = $1 ORDER BY ordinal
	`, ceremonyID.String())
	if err != nil {
		return nil, fmt.Errorf("query signing requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r         SigningRequest
			reqID     string
			signerID  string
			reviewer  sql.NullString
			delegated sql.NullString
			sigID     sql.NullString
		)
		err := rows.Scan(
			&reqID, &signerID, &r.Ordinal, &r.Meaning, &r.State, &r.RequireReview,
			&reviewer, &delegated, &sigID, &r.DeclineReason,
			&r.TimeoutResolution, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan signing request: %w", err)
		}
		if r.ID, err = id.ParseSigningRequestID(reqID); err != nil {
			return nil, fmt.Errorf("stored request id invalid: %w", err)
		}
		if r.SignerID, err = id.ParseActorID(signerID); err != nil {
			return nil, fmt.Errorf("stored signer id invalid: %w", err)
		}
		if reviewer.Valid {
			if r.ReviewerID, err = id.ParseActorID(reviewer.String); err != nil {
				return nil, fmt.Errorf("stored reviewer id invalid: %w", err)
			}
		}
		if delegated.Valid {
			if r.DelegatedFrom, err = id.ParseActorID(delegated.String); err != nil {
				return nil, fmt.Errorf("stored delegator id invalid: %w", err)
			}
		}
		if sigID.Valid {
			if r.SignatureID, err = id.ParseSignatureID(sigID.String); err != nil {
				return nil, fmt.Errorf("stored signature id invalid: %w", err)
			}
		}
		r.CeremonyID = c.ID
		c.Requests = append(c.Requests, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signing requests: %w", err)
	}
	return &c, nil
}

func insertCeremony(ctx context.Context, tx *sql.Tx, c *Ceremony) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ceremonies (
			id, resource_type, resource_id, resource_name, content_hash, chain_id,
			completion_rule, rule_count, rule_percent, signing_order, allow_delegation,
			timeout_at, timeout_policy, status, created_by,
			created_at, updated_at, completed_at, cancel_reason
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, ceremonyArgs(c)...)
	if err != nil {
		return fmt.Errorf("insert ceremony: %w", err)
	}
	return nil
}

func saveCeremony(ctx context.Context, tx *sql.Tx, c *Ceremony) error {
	args := ceremonyArgs(c)
	_, err := tx.ExecContext(ctx, `
		UPDATE ceremonies
		SET status = $14, updated_at = $17, completed_at = $18, cancel_reason = $19
		WHERE id = $1
	`, args...)
	if err != nil {
		return fmt.Errorf("update ceremony: %w", err)
	}
	for _, r := range c.Requests {
		if err := saveRequest(ctx, tx, r); err != nil {
			return err
		}
	}
	return nil
}

func ceremonyArgs(c *Ceremony) []any {
	var timeoutAt, completedAt any
	if !c.TimeoutAt.IsZero() {
		timeoutAt = c.TimeoutAt
	}
	if !c.CompletedAt.IsZero() {
		completedAt = c.CompletedAt
	}
	return []any{
		c.ID.String(), c.ResourceType, c.ResourceID, c.ResourceName, c.ContentHash, c.ChainID.String(),
		string(c.Rule), c.RuleCount, c.RulePercent, string(c.Order), c.AllowDelegation,
		timeoutAt, string(c.TimeoutPolicy), string(c.Status), c.CreatedBy.String(),
		c.CreatedAt, c.UpdatedAt, completedAt, c.CancelReason,
	}
}

func insertRequest(ctx context.Context, tx *sql.Tx, r *SigningRequest) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO signing_requests (
			id, ceremony_id, signer_id, ordinal, meaning, state, require_review,
			reviewer_id, delegated_from, signature_id, decline_reason,
			timeout_resolution, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, requestArgs(r)...)
	if err != nil {
		return fmt.Errorf("insert signing request: %w", err)
	}
	return nil
}

func saveRequest(ctx context.Context, tx *sql.Tx, r *SigningRequest) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE signing_requests
		SET signer_id = $3, state = $6, require_review = $7,
		    reviewer_id = $8, delegated_from = $9, signature_id = $10,
		    decline_reason = $11, timeout_resolution = $12, updated_at = $13
		WHERE id = $1
	`, requestArgs(r)...)
	if err != nil {
		return fmt.Errorf("update signing request: %w", err)
	}
	return nil
}

func requestArgs(r *SigningRequest) []any {
	var reviewer, delegated, sigID any
	if !r.ReviewerID.IsNil() {
		reviewer = r.ReviewerID.String()
	}
	if !r.DelegatedFrom.IsNil() {
		delegated = r.DelegatedFrom.String()
	}
	if !r.SignatureID.IsNil() {
		sigID = r.SignatureID.String()
	}
	return []any{
		r.ID.String(), r.CeremonyID.String(), r.SignerID.String(), r.Ordinal,
		string(r.Meaning), string(r.State), r.RequireReview,
		reviewer, delegated, sigID, r.DeclineReason,
		r.TimeoutResolution, r.UpdatedAt,
	}
}
