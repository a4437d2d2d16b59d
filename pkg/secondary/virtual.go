package secondary

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"

	"github.com/cuemby/nimbus-ota/pkg/canonical"
	nimbuscrypto "github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/types"
)

// Virtual is an in-process secondary holding its own in-memory metadata
// view and key pair, used for single-ECU deployments and for the literal
// test fixtures that exercise ManifestBuilder and the install flow
// without a real transport.
type Virtual struct {
	mu sync.Mutex

	serial types.EcuSerial
	hwID   types.HardwareIdentifier
	priv   ed25519.PrivateKey
	pub    types.PublicKey

	directorRootVersion int
	imagesRootVersion   int
	lastPack            MetaPack
	installedImage      types.Target
}

// NewVirtual creates a Virtual secondary with a fresh ed25519 key pair.
func NewVirtual(serial types.EcuSerial, hwID types.HardwareIdentifier) (*Virtual, ed25519.PrivateKey, error) {
	edPub, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}
	pub, err := publicKeyFromEd25519(edPub)
	if err != nil {
		return nil, nil, err
	}
	return &Virtual{serial: serial, hwID: hwID, priv: edPriv, pub: pub}, edPriv, nil
}

func (v *Virtual) Kind() Kind                     { return KindVirtual }
func (v *Virtual) Serial() types.EcuSerial        { return v.serial }
func (v *Virtual) HwID() types.HardwareIdentifier { return v.hwID }

func (v *Virtual) GetPublicKey(ctx context.Context) (types.PublicKey, error) {
	return v.pub, nil
}

func (v *Virtual) GetManifest(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	body := types.EcuVersionManifestBody{
		EcuSerial:      v.serial,
		InstalledImage: v.installedImage,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	canon, err := canonical.EncodeRaw(raw)
	if err != nil {
		return nil, err
	}
	sig, err := nimbuscrypto.Sign(v.priv, v.pub.KeyID, types.MethodEd25519, canon)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.SignedDocument{Signed: raw, Signatures: []types.Signature{sig}})
}

func (v *Virtual) GetRootVersion(ctx context.Context, director bool) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if director {
		return v.directorRootVersion, nil
	}
	return v.imagesRootVersion, nil
}

func (v *Virtual) PutRoot(ctx context.Context, data []byte, director bool) (bool, error) {
	var doc types.SignedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}
	var root types.Root
	if err := json.Unmarshal(doc.Signed, &root); err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if director {
		v.directorRootVersion = root.Version
	} else {
		v.imagesRootVersion = root.Version
	}
	return true, nil
}

func (v *Virtual) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastPack = pack
	return true, nil
}

func (v *Virtual) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.installedImage = types.Target{Filename: string(v.serial), Length: int64(len(data))}
	return true, nil
}

// LastMetaPack exposes the most recent MetaPack a test received, for
// assertions.
func (v *Virtual) LastMetaPack() MetaPack {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastPack
}
