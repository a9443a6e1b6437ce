// Package signature creates and verifies electronic signatures. A signature
// binds a re-authenticated signer, a frozen identity snapshot, a signing
// meaning, and an exact content fingerprint under a trusted timestamp, and is
// immutable once committed. Invalidation appends state, it never edits.
package signature

import (
	"time"

	id "attest/pkg/domain"
)

// Meaning is the closed enumeration of what a signature asserts.
type Meaning string

const (
	MeaningAuthored     Meaning = "authored"
	MeaningReviewed     Meaning = "reviewed"
	MeaningApproved     Meaning = "approved"
	MeaningWitnessed    Meaning = "witnessed"
	MeaningAcknowledged Meaning = "acknowledged"
)

var knownMeanings = map[Meaning]struct{}{
	MeaningAuthored:     {},
	MeaningReviewed:     {},
	MeaningApproved:     {},
	MeaningWitnessed:    {},
	MeaningAcknowledged: {},
}

// Known reports whether m belongs to the closed enumeration.
func (m Meaning) Known() bool {
	_, ok := knownMeanings[m]
	return ok
}

// Status marks whether a signature still stands.
type Status string

const (
	StatusValid       Status = "valid"
	StatusInvalidated Status = "invalidated"
)

// SignerSnapshot is the signer's identity frozen at signing time. Later
// directory edits never change what a committed signature says about who
// signed.
type SignerSnapshot struct {
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
}

// Invalidation is appended when linked content is later shown not to match.
type Invalidation struct {
	Reason        string     `json:"reason"`
	InvalidatedBy id.ActorID `json:"invalidated_by"`
	InvalidatedAt time.Time  `json:"invalidated_at"`
	AuditEventID  id.EventID `json:"audit_event_id"`
}

// ElectronicSignature is the committed signing fact.
type ElectronicSignature struct {
	ID              id.SignatureID       `json:"id"`
	ActorID         id.ActorID           `json:"actor_id"`
	Signer          SignerSnapshot       `json:"signer"`
	Meaning         Meaning              `json:"meaning"`
	ResourceType    string               `json:"resource_type"`
	ResourceID      string               `json:"resource_id"`
	ResourceName    string               `json:"resource_name,omitempty"`
	ResourceVersion string               `json:"resource_version,omitempty"`
	ContentHash     string               `json:"content_hash"`
	ChallengeID     id.ChallengeID       `json:"challenge_id"`
	CeremonyID      id.CeremonyID        `json:"ceremony_id,omitempty"`
	RequestID       id.SigningRequestID  `json:"request_id,omitempty"`
	ChainID         id.ChainID           `json:"chain_id"`
	SignedAt        time.Time            `json:"signed_at"`
	TimestampSource string               `json:"timestamp_source"`
	AuthMethod      string               `json:"auth_method"`
	AuthenticatedAt time.Time            `json:"authenticated_at"`
	ClientIP        string               `json:"client_ip,omitempty"`
	UserAgent       string               `json:"user_agent,omitempty"`
	Reason          string               `json:"reason,omitempty"`
	AuditEventID    id.EventID           `json:"audit_event_id"`
	Status          Status               `json:"status"`
	Invalidation    *Invalidation        `json:"invalidation,omitempty"`
}

// VerificationResult reports a signature check: content fingerprint match at
// the recorded version, signer existence, and the health of the audit chain
// segment around the signature's audit event.
type VerificationResult struct {
	SignatureID        id.SignatureID `json:"signature_id"`
	IsValid            bool           `json:"is_valid"`
	Status             Status         `json:"status"`
	ContentMatch       bool           `json:"content_match"`
	SignerExists       bool           `json:"signer_exists"`
	ChainValid         bool           `json:"chain_valid"`
	StoredFingerprint  string         `json:"stored_fingerprint"`
	CurrentFingerprint string         `json:"current_fingerprint,omitempty"`
	CheckedAt          time.Time      `json:"checked_at"`
}
