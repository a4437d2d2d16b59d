// Package canonical produces the deterministic byte encoding that
// signatures are computed and verified over: sorted object keys, no
// insignificant whitespace, UTF-8 strings, and no floating point exponent
// notation. It wraps go-securesystemslib's cjson implementation rather
// than hand-rolling a serializer, since any divergence from the reference
// encoding would make every signature this module produces unverifiable
// by other Uptane implementations and vice versa.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
)

// Encode returns the canonical JSON encoding of v.
func Encode(v any) ([]byte, error) {
	b, err := cjson.EncodeCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return b, nil
}

// EncodeRaw re-canonicalizes an already-serialized JSON blob. This is used
// when verifying a SignedDocument's signatures, where the signed payload
// arrived as json.RawMessage and must be canonicalized without first
// losing precision by round-tripping through a typed struct.
func EncodeRaw(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return Encode(v)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of the canonical
// encoding of v. Used to compute role/target hashes that must match
// across independently-produced metadata.
func SHA256Hex(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
