package manifest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/cuemby/nimbus-ota/pkg/canonical"
	nimbuscrypto "github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/pacman"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) (ed25519.PrivateKey, types.PublicKey) {
	t.Helper()
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(edPub)
	require.NoError(t, err)
	pub := types.PublicKey{Type: types.KeyTypeEd25519, Value: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})}
	id, err := nimbuscrypto.KeyIDOf(pub)
	require.NoError(t, err)
	pub.KeyID = id
	return edPriv, pub
}

func signInner(t *testing.T, priv ed25519.PrivateKey, keyID string, body types.EcuVersionManifestBody) []byte {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	canon, err := canonical.EncodeRaw(raw)
	require.NoError(t, err)
	sig, err := nimbuscrypto.Sign(priv, keyID, types.MethodEd25519, canon)
	require.NoError(t, err)
	doc := types.SignedDocument{Signed: raw, Signatures: []types.Signature{sig}}
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return out
}

func TestBuildGoodSecondaryYieldsTwoEntries(t *testing.T) {
	primaryPriv, primaryPub := genKey(t)
	secPriv, secPub := genKey(t)

	b := &Builder{
		PrimarySerial:  "testecuserial",
		PrimaryPriv:    primaryPriv,
		PrimaryKeyID:   primaryPub.KeyID,
		PrimaryMethod:  types.MethodEd25519,
		PackageManager: pacman.NewNone(),
	}

	secondaries := []SecondaryReport{
		{
			Serial:    "secondary_ecu_serial",
			PublicKey: secPub,
			FetchSigned: func() ([]byte, error) {
				return signInner(t, secPriv, secPub.KeyID, types.EcuVersionManifestBody{EcuSerial: "secondary_ecu_serial"}), nil
			},
		},
	}

	doc, err := b.Build(nil, secondaries)
	require.NoError(t, err)
	require.Len(t, doc.Signatures, 1)

	var body types.VehicleManifestBody
	require.NoError(t, json.Unmarshal(doc.Signed, &body))
	require.Equal(t, types.EcuSerial("testecuserial"), body.PrimaryEcuSerial)
	require.Len(t, body.EcuVersionManifests, 2)
}

func TestBuildBadSecondarySignatureOmitsEcu(t *testing.T) {
	primaryPriv, primaryPub := genKey(t)
	secPriv, _ := genKey(t)
	_, mismatchedPub := genKey(t) // a public key that does not belong to secPriv

	b := &Builder{
		PrimarySerial:  "testecuserial",
		PrimaryPriv:    primaryPriv,
		PrimaryKeyID:   primaryPub.KeyID,
		PrimaryMethod:  types.MethodEd25519,
		PackageManager: pacman.NewNone(),
	}

	secondaries := []SecondaryReport{
		{
			Serial:    "secondary_ecu_serial",
			PublicKey: mismatchedPub,
			FetchSigned: func() ([]byte, error) {
				return signInner(t, secPriv, mismatchedPub.KeyID, types.EcuVersionManifestBody{EcuSerial: "secondary_ecu_serial"}), nil
			},
		},
	}

	doc, err := b.Build(nil, secondaries)
	require.NoError(t, err)

	var body types.VehicleManifestBody
	require.NoError(t, json.Unmarshal(doc.Signed, &body))
	require.Len(t, body.EcuVersionManifests, 1, "bad secondary signature must be omitted")
	_, hasPrimary := body.EcuVersionManifests["testecuserial"]
	require.True(t, hasPrimary)
}

func TestHasPendingUpdatesDetectsInProgress(t *testing.T) {
	raw, _ := json.Marshal(types.EcuVersionManifestBody{
		EcuSerial:       "x",
		OperationResult: &types.OperationResult{TargetFilename: "f", ResultCode: types.ResultInProgress},
	})
	manifests := map[types.EcuSerial]types.SignedDocument{
		"x": {Signed: raw},
	}
	require.True(t, HasPendingUpdates(manifests))

	raw2, _ := json.Marshal(types.EcuVersionManifestBody{EcuSerial: "y", OperationResult: &types.OperationResult{ResultCode: types.ResultOk}})
	manifests["y"] = types.SignedDocument{Signed: raw2}
	delete(manifests, "x")
	require.False(t, HasPendingUpdates(manifests))
}
