package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"attest/internal/hashing"
	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
	txcontext "attest/pkg/platform/tx"
)

// PostgresStore persists chained events in the audit_events table. Appends
// serialize per chain with a transaction-scoped advisory lock on the chain
// key, and the chain_heads tail row is advanced with an update-with-check as
// a second guard. The audit_events table carries a trigger rejecting UPDATE
// and DELETE (see db/migrations), so immutability does not depend on this
// code path being the only way in.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore builds a Postgres-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append extends the chain inside a transaction. When the context carries an
// outer transaction (a signature insert that must commit atomically with its
// audit event), the append joins it and the caller commits.
func (s *PostgresStore) Append(ctx context.Context, chainID id.ChainID, build BuildFunc) (*AuditEvent, error) {
	if outer, ok := txcontext.From(ctx); ok {
		return s.appendInTx(ctx, outer, chainID, build)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ev, err := s.appendInTx(ctx, tx, chainID, build)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) appendInTx(ctx context.Context, tx *sql.Tx, chainID id.ChainID, build BuildFunc) (*AuditEvent, error) {
	// One writer per chain for the lifetime of the transaction. hashtext is
	// stable per cluster, which is all the lock key needs.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chainID.String()); err != nil {
		return nil, fmt.Errorf("acquire chain lock: %w", err)
	}

	var (
		lastSeq  int64
		lastHash string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT last_sequence, last_hash FROM chain_heads WHERE chain_id = $1`,
		chainID.String(),
	).Scan(&lastSeq, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		lastSeq, lastHash = 0, GenesisHash
	case err != nil:
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	ev, err := build(lastSeq+1, lastHash)
	if err != nil {
		return nil, err
	}

	detailsText, err := encodeDetails(ev.Details)
	if err != nil {
		return nil, err
	}

	var actorID any
	if !ev.ActorID.IsNil() {
		actorID = ev.ActorID.String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, event_type, timestamp, timestamp_source,
			actor_id, client_ip, user_agent,
			resource_type, resource_id, resource_name,
			details, reason, chain_id, sequence, prev_hash, event_hash
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		ev.ID.String(), string(ev.Type), ev.Timestamp, ev.TimestampSource,
		actorID, ev.ClientIP, ev.UserAgent,
		ev.ResourceType, ev.ResourceID, ev.ResourceName,
		detailsText, ev.Reason, ev.ChainID.String(), ev.Sequence, ev.PrevHash, ev.EventHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("append event: %w", sentinel.ErrConflict)
		}
		return nil, fmt.Errorf("insert audit event: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chain_heads (chain_id, last_sequence, last_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain_id) DO UPDATE
			SET last_sequence = EXCLUDED.last_sequence,
			    last_hash     = EXCLUDED.last_hash
			WHERE chain_heads.last_sequence = EXCLUDED.last_sequence - 1
	`, chainID.String(), ev.Sequence, ev.EventHash)
	if err != nil {
		return nil, fmt.Errorf("advance chain head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("advance chain head: %w", err)
	}
	if n == 0 {
		// Tail moved underneath us despite the advisory lock; treat as a
		// retryable conflict rather than corrupting the chain.
		return nil, fmt.Errorf("chain head stale: %w", sentinel.ErrConflict)
	}

	return ev, nil
}

// List streams committed events matching f in ascending sequence order.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*AuditEvent, error) {
	query := `
		SELECT id, event_type, timestamp, timestamp_source,
		       actor_id, client_ip, user_agent,
		       resource_type, resource_id, resource_name,
		       details, reason, chain_id, sequence, prev_hash, event_hash
		FROM audit_events
		WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ChainID != "" {
		query += ` AND chain_id = ` + arg(f.ChainID.String())
	}
	if f.FromSeq > 0 {
		query += ` AND sequence >= ` + arg(f.FromSeq)
	}
	if f.ToSeq > 0 {
		query += ` AND sequence <= ` + arg(f.ToSeq)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ` + arg(f.From)
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ` + arg(f.To)
	}
	if !f.ActorID.IsNil() {
		query += ` AND actor_id = ` + arg(f.ActorID.String())
	}
	if f.ResourceID != "" {
		query += ` AND resource_id = ` + arg(f.ResourceID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		query += ` AND event_type = ANY(` + arg(pq.Array(types)) + `)`
	}
	query += ` ORDER BY chain_id, sequence ASC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		var (
			ev          AuditEvent
			idStr       string
			typeStr     string
			actorStr    sql.NullString
			chainStr    string
			detailsText sql.NullString
		)
		err := rows.Scan(
			&idStr, &typeStr, &ev.Timestamp, &ev.TimestampSource,
			&actorStr, &ev.ClientIP, &ev.UserAgent,
			&ev.ResourceType, &ev.ResourceID, &ev.ResourceName,
			&detailsText, &ev.Reason, &chainStr, &ev.Sequence, &ev.PrevHash, &ev.EventHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}

		eventID, err := id.ParseEventID(idStr)
		if err != nil {
			return nil, fmt.Errorf("stored event id invalid: %w", err)
		}
		ev.ID = eventID
		ev.Type = EventType(typeStr)
		ev.ChainID = id.ChainID(chainStr)
		if actorStr.Valid && actorStr.String != "" {
			actor, err := id.ParseActorID(actorStr.String)
			if err != nil {
				return nil, fmt.Errorf("stored actor id invalid: %w", err)
			}
			ev.ActorID = actor
		}
		if detailsText.Valid && detailsText.String != "" {
			details, err := decodeDetails(detailsText.String)
			if err != nil {
				return nil, fmt.Errorf("decode details for event %s: %w", idStr, err)
			}
			ev.Details = details
		}

		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// encodeDetails serializes details as canonical JSON text. Canonical text in
// a TEXT column survives the round trip byte-for-byte, so hash recomputation
// at verify time sees exactly what was hashed at append time. (JSONB would
// re-normalize numbers and lose that guarantee.)
func encodeDetails(details map[string]any) (string, error) {
	if details == nil {
		return "", nil
	}
	b, err := hashing.Canonical(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(b), nil
}

func decodeDetails(text string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var details map[string]any
	if err := dec.Decode(&details); err != nil {
		return nil, err
	}
	return details, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
