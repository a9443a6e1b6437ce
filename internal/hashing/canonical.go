// Package hashing provides deterministic content fingerprinting.
//
// A fingerprint binds a signature or audit record to an exact content state:
// identical logical content must always hash identically regardless of map
// iteration order or struct field ordering, and any semantic change must
// produce a different digest.
package hashing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	dErrors "attest/pkg/domain-errors"
)

// Canonical returns deterministic JSON bytes for a JSON-like value.
// Rules: object keys sorted lexicographically; array order preserved;
// numbers kept in their textual form via json.Number so 1.10 and 1.1 stay
// distinguishable; strings, booleans, and null encoded with encoding/json.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs, typed maps, numeric scalars: round-trip through
		// encoding/json with UseNumber so the recursive cases above apply.
		b, err := json.Marshal(vv)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidInput, fmt.Sprintf("content is not canonicalizable: %T", vv))
		}
		var tmp any
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidInput, "content round-trip decode failed")
		}
		return writeCanonical(buf, tmp)
	}
	return nil
}
