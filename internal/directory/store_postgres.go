package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	id "attest/pkg/domain"
	"attest/pkg/platform/sentinel"
)

// PostgresStore persists directory records in actor_credentials.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore builds a Postgres-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, actor id.ActorID) (*Record, error) {
	var (
		rec      Record
		actorStr string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id, display_name, email, roles, secret_hash, created_at, updated_at
		FROM actor_credentials
		WHERE actor_id = $1
	`, actor.String()).Scan(
		&actorStr, &rec.Name, &rec.Email, pq.Array(&rec.Roles),
		&rec.SecretHash, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query signer: %w", err)
	}

	parsed, err := id.ParseActorID(actorStr)
	if err != nil {
		return nil, fmt.Errorf("stored actor id invalid: %w", err)
	}
	rec.ID = parsed
	return &rec, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actor_credentials (actor_id, display_name, email, roles, secret_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (actor_id) DO UPDATE
			SET display_name = EXCLUDED.display_name,
			    email        = EXCLUDED.email,
			    roles        = EXCLUDED.roles,
			    secret_hash  = EXCLUDED.secret_hash,
			    updated_at   = EXCLUDED.updated_at
	`, rec.ID.String(), rec.Name, rec.Email, pq.Array(rec.Roles),
		rec.SecretHash, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert signer: %w", err)
	}
	return nil
}
