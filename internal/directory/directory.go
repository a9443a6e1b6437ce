// Package directory is the signer directory: the identity attributes frozen
// into signature snapshots, and the credential hashes checked during
// re-authentication.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"attest/internal/secrets"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/email"
	"attest/pkg/platform/sentinel"
	pstrings "attest/pkg/platform/strings"
)

// Signer is the public identity of an actor eligible to sign.
type Signer struct {
	ID    id.ActorID `json:"id"`
	Name  string     `json:"name"`
	Email string     `json:"email"`
	Roles []string   `json:"roles,omitempty"`
}

// Record is a directory row. SecretHash never leaves this package.
type Record struct {
	Signer
	SecretHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store persists directory records.
type Store interface {
	Get(ctx context.Context, actor id.ActorID) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
}

// Service exposes lookups and credential checks over the directory.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService builds the directory service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// RegisterParams describes a signer to provision.
type RegisterParams struct {
	Name   string // empty means derive one from the email local part
	Email  string
	Roles  []string
	Secret string // empty means generate one
}

// Register provisions a signer with a hashed credential. The returned secret
// is the plaintext shown once to the operator; it is never stored.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*Signer, string, error) {
	if strings.TrimSpace(p.Email) == "" {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "email is required")
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = email.DisplayName(p.Email)
	}

	secret := p.Secret
	if secret == "" {
		generated, err := secrets.Generate()
		if err != nil {
			return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "generate credential")
		}
		secret = generated
	}
	hash, err := secrets.Hash(secret)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	rec := &Record{
		Signer: Signer{
			ID:    id.NewActorID(),
			Name:  name,
			Email: strings.ToLower(strings.TrimSpace(p.Email)),
			Roles: pstrings.DedupeAndTrimLower(p.Roles),
		},
		SecretHash: hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "store signer")
	}

	s.logger.InfoContext(ctx, "signer registered", "actor_id", rec.ID.String())
	signer := rec.Signer
	return &signer, secret, nil
}

// Lookup returns the signer's current identity attributes.
func (s *Service) Lookup(ctx context.Context, actor id.ActorID) (*Signer, error) {
	rec, err := s.store.Get(ctx, actor)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "signer not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load signer")
	}
	signer := rec.Signer
	return &signer, nil
}

// VerifyCredential checks a plaintext credential against the stored hash.
// An unknown actor fails the same way as a wrong credential, so probing the
// directory through the signing flow reveals nothing.
func (s *Service) VerifyCredential(ctx context.Context, actor id.ActorID, credential string) error {
	rec, err := s.store.Get(ctx, actor)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeAuthFailed, "invalid credential")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load signer")
	}
	return secrets.Verify(credential, rec.SecretHash)
}
