// Package crypto verifies Uptane signatures and computes key IDs. It
// supports the two signature schemes the specification names:
// rsassa-pss-sha256 (crypto/rsa, PSS with SHA-256 and a salt length equal
// to the hash size) and ed25519. Key material arrives PEM-encoded the way
// the teacher's certificate-handling code expected it, but is parsed into
// whichever of rsa.PublicKey or ed25519.PublicKey the KeyType calls for
// rather than wrapped in an x509 certificate, since Uptane keys are bare
// signing keys, not CA-issued identities.
package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/cuemby/nimbus-ota/pkg/canonical"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
)

// KeyIDOf returns the lowercase hex SHA-256 digest of the key's canonical
// encoding, matching how KeyIDs are derived for the Root role's key map.
func KeyIDOf(k types.PublicKey) (string, error) {
	keyval := struct {
		Public string `json:"public"`
	}{Public: string(k.Value)}
	doc := struct {
		KeyType string `json:"keytype"`
		KeyVal  any    `json:"keyval"`
	}{KeyType: string(k.Type), KeyVal: keyval}
	return canonical.SHA256Hex(doc)
}

// ParsePublicKey decodes a PEM-wrapped public key into the type its
// KeyType calls for.
func ParsePublicKey(k types.PublicKey) (crypto.PublicKey, error) {
	block, _ := pem.Decode(k.Value)
	if block == nil {
		return nil, uptaneerr.New("crypto.ParsePublicKey", uptaneerr.BadSignatures, fmt.Errorf("no PEM block for key %s", k.KeyID))
	}
	switch k.Type {
	case types.KeyTypeRSA2048, types.KeyTypeRSA3072, types.KeyTypeRSA4096:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, uptaneerr.New("crypto.ParsePublicKey", uptaneerr.BadSignatures, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, uptaneerr.New("crypto.ParsePublicKey", uptaneerr.BadSignatures, fmt.Errorf("key %s is not RSA", k.KeyID))
		}
		return rsaPub, nil
	case types.KeyTypeEd25519:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, uptaneerr.New("crypto.ParsePublicKey", uptaneerr.BadSignatures, err)
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, uptaneerr.New("crypto.ParsePublicKey", uptaneerr.BadSignatures, fmt.Errorf("key %s is not ed25519", k.KeyID))
		}
		return edPub, nil
	default:
		return nil, uptaneerr.New("crypto.ParsePublicKey", uptaneerr.BadSignatures, fmt.Errorf("unsupported key type %q", k.Type))
	}
}

// Verify checks that sig is a valid signature over payload (the canonical
// bytes of a SignedDocument's Signed field) under the given public key.
func Verify(pub crypto.PublicKey, payload []byte, sig types.Signature) error {
	digest := sha256.Sum256(payload)
	switch sig.Method {
	case types.MethodRSASSAPSSSHA256:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return uptaneerr.New("crypto.Verify", uptaneerr.BadSignatures, fmt.Errorf("key is not RSA for method %s", sig.Method))
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		if err := rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sig.Value, opts); err != nil {
			return uptaneerr.New("crypto.Verify", uptaneerr.BadSignatures, err)
		}
		return nil
	case types.MethodEd25519:
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return uptaneerr.New("crypto.Verify", uptaneerr.BadSignatures, fmt.Errorf("key is not ed25519 for method %s", sig.Method))
		}
		if !ed25519.Verify(edPub, payload, sig.Value) {
			return uptaneerr.New("crypto.Verify", uptaneerr.BadSignatures, fmt.Errorf("ed25519 signature mismatch"))
		}
		return nil
	default:
		return uptaneerr.New("crypto.Verify", uptaneerr.BadSignatures, fmt.Errorf("unsupported signature method %q", sig.Method))
	}
}

// Sign produces a Signature over payload using priv, tagged with keyID and
// method. Used by the manifest builder and by test fixtures that must
// mint metadata signed by a throwaway key.
func Sign(priv crypto.Signer, keyID string, method types.SignatureMethod, payload []byte) (types.Signature, error) {
	digest := sha256.Sum256(payload)
	switch method {
	case types.MethodRSASSAPSSSHA256:
		rsaPriv, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return types.Signature{}, fmt.Errorf("private key is not RSA for method %s", method)
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		sig, err := rsa.SignPSS(rand.Reader, rsaPriv, crypto.SHA256, digest[:], opts)
		if err != nil {
			return types.Signature{}, err
		}
		return types.Signature{KeyID: keyID, Method: method, Value: sig}, nil
	case types.MethodEd25519:
		edPriv, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return types.Signature{}, fmt.Errorf("private key is not ed25519 for method %s", method)
		}
		sig := ed25519.Sign(edPriv, payload)
		return types.Signature{KeyID: keyID, Method: method, Value: sig}, nil
	default:
		return types.Signature{}, fmt.Errorf("unsupported signature method %q", method)
	}
}

// VerifyThreshold checks doc's signatures against root's key set for role,
// returning the number of distinct, valid signatures from keys authorised
// for that role. Duplicate signatures from the same KeyID count once.
func VerifyThreshold(root *types.Root, role types.RoleKind, doc *types.SignedDocument) (int, error) {
	payload, err := canonical.EncodeRaw(doc.Signed)
	if err != nil {
		return 0, uptaneerr.New("crypto.VerifyThreshold", uptaneerr.BadSignatures, err)
	}
	authorised := make(map[string]bool)
	for _, id := range root.KeyIDsFor(role) {
		authorised[id] = true
	}
	counted := make(map[string]bool)
	valid := 0
	for _, sig := range doc.Signatures {
		if !authorised[sig.KeyID] || counted[sig.KeyID] {
			continue
		}
		key, ok := root.Keys[sig.KeyID]
		if !ok {
			continue
		}
		pub, err := ParsePublicKey(key)
		if err != nil {
			continue
		}
		if err := Verify(pub, payload, sig); err != nil {
			continue
		}
		counted[sig.KeyID] = true
		valid++
	}
	return valid, nil
}

// KeyIDHex is a convenience for tests that need to compute a key ID from
// raw PEM bytes without constructing a types.PublicKey first.
func KeyIDHex(typ types.KeyType, pemBytes []byte) (string, error) {
	return KeyIDOf(types.PublicKey{Type: typ, Value: pemBytes})
}
