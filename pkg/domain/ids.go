// Package domain defines typed identifiers shared across the integrity core.
//
// IDs are distinct named types over uuid.UUID so the compiler rejects
// cross-type assignment (a SignatureID can never be passed where a
// ChallengeID is expected). Parsing enforces the trust-boundary invariant:
// IDs must be valid, non-empty, non-nil UUIDs.
package domain

import (
	"github.com/google/uuid"

	dErrors "attest/pkg/domain-errors"
)

type (
	// ActorID identifies a person or system principal acting on the core.
	ActorID uuid.UUID
	// EventID identifies an audit ledger event.
	EventID uuid.UUID
	// SignatureID identifies an electronic signature record.
	SignatureID uuid.UUID
	// ChallengeID identifies a re-authentication challenge.
	ChallengeID uuid.UUID
	// CeremonyID identifies a collective signing ceremony.
	CeremonyID uuid.UUID
	// SigningRequestID identifies a per-signer task within a ceremony.
	SigningRequestID uuid.UUID
)

// ChainID partitions the audit ledger, typically one chain per organization.
// It is an opaque, non-empty string rather than a UUID because chains are
// named by the external tenant scheme, not minted by this core.
type ChainID string

// maxChainIDLen bounds attacker-controlled partition keys.
const maxChainIDLen = 128

// ParseChainID validates a chain partition key.
func ParseChainID(s string) (ChainID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "chain_id must not be empty")
	}
	if len(s) > maxChainIDLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "chain_id too long")
	}
	return ChainID(s), nil
}

func (c ChainID) String() string { return string(c) }

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be empty")
	}
	// Guard before uuid.Parse: reject oversized or NUL-bearing input outright.
	if len(s) > 64 {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" is malformed")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" is malformed")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be the nil uuid")
	}
	return u, nil
}

// ParseActorID parses and validates an actor identifier.
func ParseActorID(s string) (ActorID, error) {
	u, err := parseUUID(s, "actor_id")
	return ActorID(u), err
}

// ParseEventID parses and validates an audit event identifier.
func ParseEventID(s string) (EventID, error) {
	u, err := parseUUID(s, "event_id")
	return EventID(u), err
}

// ParseSignatureID parses and validates a signature identifier.
func ParseSignatureID(s string) (SignatureID, error) {
	u, err := parseUUID(s, "signature_id")
	return SignatureID(u), err
}

// ParseChallengeID parses and validates a challenge identifier.
func ParseChallengeID(s string) (ChallengeID, error) {
	u, err := parseUUID(s, "challenge_id")
	return ChallengeID(u), err
}

// ParseCeremonyID parses and validates a ceremony identifier.
func ParseCeremonyID(s string) (CeremonyID, error) {
	u, err := parseUUID(s, "ceremony_id")
	return CeremonyID(u), err
}

// ParseSigningRequestID parses and validates a signing request identifier.
func ParseSigningRequestID(s string) (SigningRequestID, error) {
	u, err := parseUUID(s, "request_id")
	return SigningRequestID(u), err
}

// New* mint fresh identifiers.
func NewActorID() ActorID                   { return ActorID(uuid.New()) }
func NewEventID() EventID                   { return EventID(uuid.New()) }
func NewSignatureID() SignatureID           { return SignatureID(uuid.New()) }
func NewChallengeID() ChallengeID           { return ChallengeID(uuid.New()) }
func NewCeremonyID() CeremonyID             { return CeremonyID(uuid.New()) }
func NewSigningRequestID() SigningRequestID { return SigningRequestID(uuid.New()) }

func (id ActorID) IsNil() bool          { return uuid.UUID(id) == uuid.Nil }
func (id EventID) IsNil() bool          { return uuid.UUID(id) == uuid.Nil }
func (id SignatureID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id ChallengeID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id CeremonyID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id SigningRequestID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id ActorID) String() string          { return uuid.UUID(id).String() }
func (id EventID) String() string          { return uuid.UUID(id).String() }
func (id SignatureID) String() string      { return uuid.UUID(id).String() }
func (id ChallengeID) String() string      { return uuid.UUID(id).String() }
func (id CeremonyID) String() string       { return uuid.UUID(id).String() }
func (id SigningRequestID) String() string { return uuid.UUID(id).String() }

// marshalUUID renders the canonical string form, with the nil uuid as the
// empty string so optional id fields serialize as "" rather than a zero uuid.
func marshalUUID(u uuid.UUID) ([]byte, error) {
	if u == uuid.Nil {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

// unmarshalUUID accepts the empty string as the nil uuid; anything else must
// parse through the same validation as the Parse* constructors.
func unmarshalUUID(text []byte, what string) (uuid.UUID, error) {
	if len(text) == 0 {
		return uuid.Nil, nil
	}
	return parseUUID(string(text), what)
}

func (id ActorID) MarshalText() ([]byte, error)          { return marshalUUID(uuid.UUID(id)) }
func (id EventID) MarshalText() ([]byte, error)          { return marshalUUID(uuid.UUID(id)) }
func (id SignatureID) MarshalText() ([]byte, error)      { return marshalUUID(uuid.UUID(id)) }
func (id ChallengeID) MarshalText() ([]byte, error)      { return marshalUUID(uuid.UUID(id)) }
func (id CeremonyID) MarshalText() ([]byte, error)       { return marshalUUID(uuid.UUID(id)) }
func (id SigningRequestID) MarshalText() ([]byte, error) { return marshalUUID(uuid.UUID(id)) }

func (id *ActorID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text, "actor_id")
	*id = ActorID(u)
	return err
}

func (id *EventID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text, "event_id")
	*id = EventID(u)
	return err
}

func (id *SignatureID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text, "signature_id")
	*id = SignatureID(u)
	return err
}

func (id *ChallengeID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text, "challenge_id")
	*id = ChallengeID(u)
	return err
}

func (id *CeremonyID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text, "ceremony_id")
	*id = CeremonyID(u)
	return err
}

func (id *SigningRequestID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text, "request_id")
	*id = SigningRequestID(u)
	return err
}
