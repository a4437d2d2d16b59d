package uptane

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/canonical"
	"github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/types"
)

// replaceJSON does a literal byte substitution within a signed envelope,
// used to corrupt a single field (e.g. a signature method) without
// re-signing.
func replaceJSON(t *testing.T, data []byte, old, new string) []byte {
	t.Helper()
	return bytes.Replace(data, []byte(old), []byte(new), 1)
}

// testKey is a throwaway ed25519 signer plus its published PublicKey form.
type testKey struct {
	priv ed25519.PrivateKey
	pub  types.PublicKey
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(edPub)
	if err != nil {
		t.Fatalf("marshal pkix: %v", err)
	}
	pub := types.PublicKey{
		Type:  types.KeyTypeEd25519,
		Value: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
	}
	id, err := crypto.KeyIDOf(pub)
	if err != nil {
		t.Fatalf("key id: %v", err)
	}
	pub.KeyID = id
	return testKey{priv: edPriv, pub: pub}
}

// sign wraps body in a SignedDocument signed by every key in signers.
func sign(t *testing.T, body any, signers ...testKey) []byte {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	canon, err := canonical.EncodeRaw(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	doc := types.SignedDocument{Signed: json.RawMessage(raw)}
	for _, k := range signers {
		sig, err := crypto.Sign(k.priv, k.pub.KeyID, types.MethodEd25519, canon)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		doc.Signatures = append(doc.Signatures, sig)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return out
}

func rootKeysMap(keys ...testKey) map[string]types.PublicKey {
	m := make(map[string]types.PublicKey, len(keys))
	for _, k := range keys {
		m[k.pub.KeyID] = k.pub
	}
	return m
}

func roleKeys(threshold int, keys ...testKey) types.RootKeys {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.pub.KeyID
	}
	return types.RootKeys{KeyIDs: ids, Threshold: threshold}
}

func newRoot(version int, expires time.Time, threshold int, keys ...testKey) types.Root {
	return types.Root{
		Type:    "root",
		Version: version,
		Expires: expires,
		Keys:    rootKeysMap(keys...),
		Roles: map[types.RoleKind]types.RootKeys{
			types.RoleRoot:      roleKeys(threshold, keys...),
			types.RoleTargets:   roleKeys(threshold, keys...),
			types.RoleTimestamp: roleKeys(threshold, keys...),
			types.RoleSnapshot:  roleKeys(threshold, keys...),
		},
	}
}

var farFuture = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
var farPast = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
