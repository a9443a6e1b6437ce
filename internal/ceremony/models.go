// Package ceremony orchestrates multi-signer signing sessions. A ceremony
// freezes one content fingerprint at creation, fans out per-signer requests,
// and derives its own status from the request states through a pure
// aggregation function. Every request transition is individually audited.
package ceremony

import (
	"time"

	"attest/internal/signature"
	id "attest/pkg/domain"
)

// CompletionRule decides when a ceremony is complete.
type CompletionRule string

const (
	// RuleAll requires every request signed.
	RuleAll CompletionRule = "all"
	// RuleCount requires a fixed number of signed requests.
	RuleCount CompletionRule = "count"
	// RulePercent requires a percentage of requests signed.
	RulePercent CompletionRule = "percent"
)

// Order controls whether signers act in sequence or in parallel.
type Order string

const (
	OrderSequential Order = "sequential"
	OrderParallel   Order = "parallel"
)

// TimeoutPolicy decides what the sweep does when the ceremony deadline
// passes with requests still open.
type TimeoutPolicy string

const (
	// TimeoutPending leaves open requests untouched past the deadline.
	TimeoutPending TimeoutPolicy = "pending"
	// TimeoutSilentDecline times open requests out as refusals.
	TimeoutSilentDecline TimeoutPolicy = "silent_decline"
	// TimeoutSilentApprove times open requests out as assent for ceremony
	// bookkeeping. No signature is fabricated: a signature without a
	// re-authenticated signer would be repudiable.
	TimeoutSilentApprove TimeoutPolicy = "silent_approve"
)

// Status is the ceremony-level state, derived from its requests.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// RequestState is the per-signer task state.
type RequestState string

const (
	StatePending           RequestState = "pending"
	StatePeerReviewPending RequestState = "peer_review_pending"
	StateReady             RequestState = "ready"
	StateSigned            RequestState = "signed"
	StateDeclined          RequestState = "declined"
	StateTimedOut          RequestState = "timed_out"
)

// terminal reports whether a request can transition no further.
func (s RequestState) terminal() bool {
	return s == StateSigned || s == StateDeclined || s == StateTimedOut
}

// SigningRequest is one signer's task within a ceremony.
type SigningRequest struct {
	ID                id.SigningRequestID `json:"id"`
	CeremonyID        id.CeremonyID       `json:"ceremony_id"`
	SignerID          id.ActorID          `json:"signer_id"`
	Ordinal           int                 `json:"ordinal"`
	Meaning           signature.Meaning   `json:"meaning"`
	State             RequestState        `json:"state"`
	RequireReview     bool                `json:"require_review"`
	ReviewerID        id.ActorID          `json:"reviewer_id,omitempty"`
	DelegatedFrom     id.ActorID          `json:"delegated_from,omitempty"`
	SignatureID       id.SignatureID      `json:"signature_id,omitempty"`
	DeclineReason     string              `json:"decline_reason,omitempty"`
	TimeoutResolution string              `json:"timeout_resolution,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Ceremony is the orchestration aggregate.
type Ceremony struct {
	ID              id.CeremonyID     `json:"id"`
	ResourceType    string            `json:"resource_type"`
	ResourceID      string            `json:"resource_id"`
	ResourceName    string            `json:"resource_name,omitempty"`
	ContentHash     string            `json:"content_hash"`
	ChainID         id.ChainID        `json:"chain_id"`
	Rule            CompletionRule    `json:"completion_rule"`
	RuleCount       int               `json:"rule_count,omitempty"`
	RulePercent     int               `json:"rule_percent,omitempty"`
	Order           Order             `json:"signing_order"`
	AllowDelegation bool              `json:"allow_delegation"`
	TimeoutAt       time.Time         `json:"timeout_at,omitempty"`
	TimeoutPolicy   TimeoutPolicy     `json:"timeout_policy"`
	Status          Status            `json:"status"`
	CreatedBy       id.ActorID        `json:"created_by"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	CancelReason    string            `json:"cancel_reason,omitempty"`
	Requests        []*SigningRequest `json:"requests"`
}

// request finds a child request by ID.
func (c *Ceremony) request(requestID id.SigningRequestID) *SigningRequest {
	for _, r := range c.Requests {
		if r.ID == requestID {
			return r
		}
	}
	return nil
}
