package secondary

import (
	"context"
	"crypto/ed25519"
	"encoding/json"

	"github.com/cuemby/nimbus-ota/pkg/canonical"
	nimbuscrypto "github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/log"
	"github.com/cuemby/nimbus-ota/pkg/types"
)

// Legacy represents a non-Uptane secondary whose firmware loader is
// reached by a shell-driven mechanism the original design treats as a
// capability-degraded transport: it never participates in Root rotation
// and its metadata delivery is best-effort rather than a precondition for
// the install to proceed.
type Legacy struct {
	serial types.EcuSerial
	hwID   types.HardwareIdentifier
	priv   ed25519.PrivateKey
	pub    types.PublicKey
}

// NewLegacy creates a Legacy secondary with a fresh ed25519 key pair used
// only to shape its manifest report like every other ECU's.
func NewLegacy(serial types.EcuSerial, hwID types.HardwareIdentifier) (*Legacy, error) {
	edPub, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	pub, err := publicKeyFromEd25519(edPub)
	if err != nil {
		return nil, err
	}
	return &Legacy{serial: serial, hwID: hwID, priv: edPriv, pub: pub}, nil
}

func (l *Legacy) Kind() Kind                     { return KindLegacy }
func (l *Legacy) Serial() types.EcuSerial        { return l.serial }
func (l *Legacy) HwID() types.HardwareIdentifier { return l.hwID }

func (l *Legacy) GetPublicKey(ctx context.Context) (types.PublicKey, error) {
	return l.pub, nil
}

func (l *Legacy) GetManifest(ctx context.Context) ([]byte, error) {
	body := types.EcuVersionManifestBody{EcuSerial: l.serial}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	canon, err := canonical.EncodeRaw(raw)
	if err != nil {
		return nil, err
	}
	sig, err := nimbuscrypto.Sign(l.priv, l.pub.KeyID, types.MethodEd25519, canon)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.SignedDocument{Signed: raw, Signatures: []types.Signature{sig}})
}

// GetRootVersion always reports -1: the primary handles Uptane metadata on
// a legacy secondary's behalf, and the secondary holds no copy of its own.
func (l *Legacy) GetRootVersion(ctx context.Context, director bool) (int, error) {
	return -1, nil
}

// PutRoot is a no-op; legacy secondaries are never rotated directly.
func (l *Legacy) PutRoot(ctx context.Context, data []byte, director bool) (bool, error) {
	return true, nil
}

// PutMetadata is best-effort: failures are logged by the caller but never
// block the firmware send that follows.
func (l *Legacy) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	log.WithECU(string(l.serial)).Debug().Msg("legacy secondary ignores metadata pack")
	return true, nil
}

func (l *Legacy) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	return true, nil
}
