package hashing

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint canonicalizes v and returns the hex-encoded SHA-256 digest.
// Pure function: no side effects, and failure means the caller handed over
// content that cannot be canonicalized, which is a caller bug, not a retryable
// condition.
func Fingerprint(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// SumHex returns the hex-encoded SHA-256 of raw bytes. Used by the ledger for
// chain hashes where the canonical bytes are assembled by the caller.
func SumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
