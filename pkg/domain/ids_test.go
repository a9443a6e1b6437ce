package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "attest/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs".
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseActorID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseActorID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseActorID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseActorID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, ActorID(validUUID), id)
	})
}

// TestParseID_SecurityInvariants validates trust-boundary parsing rules:
// parsing must reject attack vectors at API entry points.
func TestParseID_SecurityInvariants(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE audit_events;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Empty string", "", true},
		{"Nil UUID", uuid.Nil.String(), true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignatureID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseChainID(t *testing.T) {
	t.Run("rejects empty", func(t *testing.T) {
		_, err := ParseChainID("")
		require.Error(t, err)
	})

	t.Run("rejects oversized", func(t *testing.T) {
		_, err := ParseChainID(strings.Repeat("x", maxChainIDLen+1))
		require.Error(t, err)
	})

	t.Run("accepts tenant-style keys", func(t *testing.T) {
		id, err := ParseChainID("org-1")
		require.NoError(t, err)
		assert.Equal(t, "org-1", id.String())
	})
}

func TestIDJSONRoundTrip(t *testing.T) {
	type payload struct {
		Actor     ActorID     `json:"actor_id"`
		Signature SignatureID `json:"signature_id"`
	}

	t.Run("renders canonical strings", func(t *testing.T) {
		p := payload{Actor: NewActorID()}
		data, err := json.Marshal(p)
		require.NoError(t, err)

		var decoded map[string]string
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, p.Actor.String(), decoded["actor_id"])
		assert.Equal(t, "", decoded["signature_id"], "nil ids serialize empty, not as the zero uuid")
	})

	t.Run("round trips", func(t *testing.T) {
		p := payload{Actor: NewActorID(), Signature: NewSignatureID()}
		data, err := json.Marshal(p)
		require.NoError(t, err)

		var got payload
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, p, got)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		var got payload
		err := json.Unmarshal([]byte(`{"actor_id":"not-a-uuid"}`), &got)
		require.Error(t, err)
	})
}

// TestTypeDistinction documents the compile-time invariant: typed IDs prevent
// cross-type assignment. If these types become aliases, the commented lines
// would compile and the invariant is broken.
func TestTypeDistinction(t *testing.T) {
	sigID := SignatureID(uuid.New())
	chalID := ChallengeID(uuid.New())

	// var _ SignatureID = chalID // compile error
	// var _ ChallengeID = sigID  // compile error

	assert.NotEqual(t, uuid.UUID(sigID), uuid.UUID(chalID))
}
