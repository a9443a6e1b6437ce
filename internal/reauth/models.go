// Package reauth issues and consumes short-lived re-authentication
// challenges. A challenge proves a fresh credential check immediately before
// a signing action, independent of any existing session, and is bound to the
// exact content fingerprint and meaning it was issued for.
package reauth

import (
	"time"

	id "attest/pkg/domain"
)

// ChallengeStatus is the challenge lifecycle state.
type ChallengeStatus string

const (
	StatusPending  ChallengeStatus = "pending"
	StatusConsumed ChallengeStatus = "consumed"
	StatusExpired  ChallengeStatus = "expired"
)

const (
	// DefaultTTL bounds the window between initiate and complete.
	DefaultTTL = 5 * time.Minute

	// MaxAttempts is the number of failed credential checks a challenge
	// tolerates before it is invalidated outright.
	MaxAttempts = 5
)

// Challenge is the one mutable record in the signing path: it expires and is
// consumed, exactly once.
type Challenge struct {
	ID          id.ChallengeID  `json:"id"`
	ActorID     id.ActorID      `json:"actor_id"`
	Fingerprint string          `json:"fingerprint"`
	Meaning     string          `json:"meaning"`
	ChainID     id.ChainID      `json:"chain_id"`
	Resource    ResourceRef     `json:"resource"`
	IssuedAt    time.Time       `json:"issued_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      ChallengeStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	ConsumedAt  time.Time       `json:"consumed_at,omitempty"`
}

// ResourceRef pins the challenge to the exact resource state shown at
// preview time, so the consume side can recompute and compare.
type ResourceRef struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Proof is the single-use result of a successful consume. It carries the
// bindings the signature path must re-check before committing.
type Proof struct {
	ChallengeID id.ChallengeID
	ActorID     id.ActorID
	Fingerprint string
	Meaning     string
	ChainID     id.ChainID
	Resource    ResourceRef
	ConsumedAt  time.Time
}
