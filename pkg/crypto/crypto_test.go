package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/cuemby/nimbus-ota/pkg/canonical"
	"github.com/cuemby/nimbus-ota/pkg/types"
)

func mustPEM(t *testing.T, der []byte) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func newRSAKey(t *testing.T) (*rsa.PrivateKey, types.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal pkix: %v", err)
	}
	pub := types.PublicKey{Type: types.KeyTypeRSA2048, Value: mustPEM(t, der)}
	id, err := KeyIDOf(pub)
	if err != nil {
		t.Fatalf("key id: %v", err)
	}
	pub.KeyID = id
	return priv, pub
}

func newEd25519Key(t *testing.T) (ed25519.PrivateKey, types.PublicKey) {
	t.Helper()
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(edPub)
	if err != nil {
		t.Fatalf("marshal pkix: %v", err)
	}
	pub := types.PublicKey{Type: types.KeyTypeEd25519, Value: mustPEM(t, der)}
	id, err := KeyIDOf(pub)
	if err != nil {
		t.Fatalf("key id: %v", err)
	}
	pub.KeyID = id
	return edPriv, pub
}

func TestSignVerifyRoundTripRSA(t *testing.T) {
	priv, pub := newRSAKey(t)
	payload := []byte(`{"_type":"root","version":1}`)

	sig, err := Sign(priv, pub.KeyID, types.MethodRSASSAPSSSHA256, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parsed, err := ParsePublicKey(pub)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	if err := Verify(parsed, payload, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := append([]byte(nil), payload...)
	tampered[0] = 'X'
	if err := Verify(parsed, tampered, sig); err == nil {
		t.Fatalf("expected verify to fail for tampered payload")
	}
}

func TestSignVerifyRoundTripEd25519(t *testing.T) {
	priv, pub := newEd25519Key(t)
	payload := []byte(`{"_type":"targets","version":3}`)

	sig, err := Sign(priv, pub.KeyID, types.MethodEd25519, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parsed, err := ParsePublicKey(pub)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	if err := Verify(parsed, payload, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyThreshold(t *testing.T) {
	priv1, pub1 := newRSAKey(t)
	priv2, pub2 := newEd25519Key(t)

	root := &types.Root{
		Type:    "root",
		Version: 1,
		Keys: map[string]types.PublicKey{
			pub1.KeyID: pub1,
			pub2.KeyID: pub2,
		},
		Roles: map[types.RoleKind]types.RootKeys{
			types.RoleTargets: {KeyIDs: []string{pub1.KeyID, pub2.KeyID}, Threshold: 2},
		},
	}

	signedBody := []byte(`{"_type":"targets","version":1,"targets":{}}`)
	payload, err := canonical.EncodeRaw(signedBody)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig1, err := Sign(priv1, pub1.KeyID, types.MethodRSASSAPSSSHA256, payload)
	if err != nil {
		t.Fatalf("sign 1: %v", err)
	}
	sig2, err := Sign(priv2, pub2.KeyID, types.MethodEd25519, payload)
	if err != nil {
		t.Fatalf("sign 2: %v", err)
	}

	doc := &types.SignedDocument{
		Signed:     signedBody,
		Signatures: []types.Signature{sig1, sig2},
	}

	n, err := VerifyThreshold(root, types.RoleTargets, doc)
	if err != nil {
		t.Fatalf("verify threshold: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 valid signatures, got %d", n)
	}

	// Duplicate signature from the same key must not double-count.
	doc.Signatures = append(doc.Signatures, sig1)
	n, err = VerifyThreshold(root, types.RoleTargets, doc)
	if err != nil {
		t.Fatalf("verify threshold: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected duplicate signature to not double-count, got %d", n)
	}
}
