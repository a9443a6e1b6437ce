// Package ledger implements the append-only, hash-chained audit event store.
//
// Events are partitioned into chains (one per organization); within a chain
// every event links to its predecessor's hash, so any mutation or removal of
// a persisted event is detectable by VerifyChain. Events are immutable facts:
// the storage layer itself rejects updates and deletes.
package ledger

import (
	"time"

	id "attest/pkg/domain"
)

// EventType is the closed enumeration of auditable facts.
type EventType string

const (
	// Content lifecycle raised by the external document service.
	EventContentCreated EventType = "CONTENT_CREATED"
	EventContentUpdated EventType = "CONTENT_UPDATED"
	EventContentDeleted EventType = "CONTENT_DELETED"
	EventContentViewed  EventType = "CONTENT_VIEWED"

	// Access decisions. The core audits decisions supplied by callers.
	EventAccessGranted EventType = "ACCESS_GRANTED"
	EventAccessRevoked EventType = "ACCESS_REVOKED"
	EventAccessDenied  EventType = "ACCESS_DENIED"

	// Workflow outcomes from external approval flows.
	EventWorkflowApproved EventType = "WORKFLOW_APPROVED"
	EventWorkflowRejected EventType = "WORKFLOW_REJECTED"

	// Signing protocol events produced inside this core.
	EventChallengeIssued      EventType = "CHALLENGE_ISSUED"
	EventAuthFailed           EventType = "AUTH_FAILED"
	EventSignatureCreated     EventType = "SIGNATURE_CREATED"
	EventSignatureFailed      EventType = "SIGNATURE_FAILED"
	EventSignatureInvalidated EventType = "SIGNATURE_INVALIDATED"

	// Ceremony orchestration events.
	EventCeremonyCreated   EventType = "CEREMONY_CREATED"
	EventCeremonyCompleted EventType = "CEREMONY_COMPLETED"
	EventCeremonyCancelled EventType = "CEREMONY_CANCELLED"
	EventCeremonyExpired   EventType = "CEREMONY_EXPIRED"
	EventRequestTransition EventType = "REQUEST_TRANSITION"
)

// knownTypes keeps the enumeration closed: drafts carrying any other value
// are rejected before timestamp or hash work.
var knownTypes = map[EventType]struct{}{
	EventContentCreated:       {},
	EventContentUpdated:       {},
	EventContentDeleted:       {},
	EventContentViewed:        {},
	EventAccessGranted:        {},
	EventAccessRevoked:        {},
	EventAccessDenied:         {},
	EventWorkflowApproved:     {},
	EventWorkflowRejected:     {},
	EventChallengeIssued:      {},
	EventAuthFailed:           {},
	EventSignatureCreated:     {},
	EventSignatureFailed:      {},
	EventSignatureInvalidated: {},
	EventCeremonyCreated:      {},
	EventCeremonyCompleted:    {},
	EventCeremonyCancelled:    {},
	EventCeremonyExpired:      {},
	EventRequestTransition:    {},
}

// Known reports whether t belongs to the closed enumeration.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// reasonRequired lists the event types that must carry an operator-supplied
// reason. Missing reason is a validation failure, never silently defaulted.
var reasonRequired = map[EventType]struct{}{
	EventAccessRevoked:     {},
	EventContentDeleted:    {},
	EventContentUpdated:    {},
	EventWorkflowRejected:  {},
	EventCeremonyCancelled: {},
}

// RequiresReason reports whether t is in the mandatory-reason set.
func (t EventType) RequiresReason() bool {
	_, ok := reasonRequired[t]
	return ok
}

// GenesisHash is the prev_hash of the first event in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Draft is the caller-supplied portion of an event. Identity, sequence,
// timestamp, and hashes are assigned by Append.
type Draft struct {
	Type         EventType
	ChainID      id.ChainID
	ActorID      id.ActorID // zero value for system events
	ClientIP     string
	UserAgent    string
	ResourceType string
	ResourceID   string
	ResourceName string
	Details      map[string]any
	Reason       string
}

// AuditEvent is an immutable, chained audit fact. Never updated, never
// deleted; disposal is an out-of-band archival concern outside this core.
type AuditEvent struct {
	ID              id.EventID     `json:"id"`
	Type            EventType      `json:"event_type"`
	Timestamp       time.Time      `json:"timestamp"`
	TimestampSource string         `json:"timestamp_source"`
	ActorID         id.ActorID     `json:"actor_id,omitempty"`
	ClientIP        string         `json:"client_ip,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	ResourceType    string         `json:"resource_type,omitempty"`
	ResourceID      string         `json:"resource_id,omitempty"`
	ResourceName    string         `json:"resource_name,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	ChainID         id.ChainID     `json:"chain_id"`
	Sequence        int64          `json:"sequence"`
	PrevHash        string         `json:"prev_hash"`
	EventHash       string         `json:"event_hash"`
}

// Filter narrows List and export queries. Zero fields are ignored.
type Filter struct {
	ChainID    id.ChainID
	From       time.Time
	To         time.Time
	Types      []EventType
	ActorID    id.ActorID
	ResourceID string
	FromSeq    int64
	ToSeq      int64
	Limit      int
}

// VerificationResult reports a chain walk. When a break is found, both the
// stored and recomputed hashes are preserved for forensic use; the walk still
// continues so EventsChecked covers the full range.
type VerificationResult struct {
	ChainID             id.ChainID    `json:"chain_id"`
	IsValid             bool          `json:"is_valid"`
	FirstBrokenSequence int64         `json:"first_broken_sequence,omitempty"`
	StoredHash          string        `json:"stored_hash,omitempty"`
	ComputedHash        string        `json:"computed_hash,omitempty"`
	EventsChecked       int           `json:"events_checked"`
	Duration            time.Duration `json:"duration_ns"`
}
