// Package secondary implements the SecondaryBus: a homogeneous capability
// interface over the heterogeneous transports a primary controller uses to
// reach its attached ECUs, plus the per-secondary Root-rotation catch-up
// algorithm the orchestrator runs before every metadata push.
package secondary

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	nimbuscrypto "github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/log"
	"github.com/cuemby/nimbus-ota/pkg/types"
)

// publicKeyFromEd25519 wraps a raw ed25519 public key into the PEM-encoded
// types.PublicKey form the rest of this module expects, computing its
// KeyID the same way Root key listings do.
func publicKeyFromEd25519(pub ed25519.PublicKey) (types.PublicKey, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return types.PublicKey{}, err
	}
	k := types.PublicKey{
		Type:  types.KeyTypeEd25519,
		Value: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
	}
	id, err := nimbuscrypto.KeyIDOf(k)
	if err != nil {
		return types.PublicKey{}, err
	}
	k.KeyID = id
	return k, nil
}

// ErrUnsupportedTransport is returned by every capability call on a
// Secondary created via NewUnsupported.
var ErrUnsupportedTransport = errors.New("secondary: transport not implemented")

// Kind tags which transport backs a Secondary value. Every variant named
// by the reference design is represented, even the ones this module does
// not implement a real transport for.
type Kind string

const (
	KindVirtual       Kind = "virtual"
	KindTCPUptane     Kind = "tcpuptane"
	KindLegacy        Kind = "legacy"
	KindOpcUa         Kind = "opcua"
	KindIsoTp         Kind = "isotp"
	KindVirtualUptane Kind = "virtual_uptane"
)

// MetaPack is the minimum set of metadata a secondary needs to verify a
// pending update independently.
type MetaPack struct {
	DirectorRoot    []byte
	DirectorTargets []byte
	ImageRoot       []byte
	ImageTimestamp  []byte
	ImageSnapshot   []byte
	ImageTargets    []byte
}

// Secondary is the capability set every transport kind implements.
type Secondary interface {
	Kind() Kind
	Serial() types.EcuSerial
	HwID() types.HardwareIdentifier
	GetPublicKey(ctx context.Context) (types.PublicKey, error)
	GetManifest(ctx context.Context) ([]byte, error)
	GetRootVersion(ctx context.Context, director bool) (int, error)
	PutRoot(ctx context.Context, data []byte, director bool) (bool, error)
	PutMetadata(ctx context.Context, pack MetaPack) (bool, error)
	SendFirmware(ctx context.Context, data []byte) (bool, error)
}

// RootVersionLoader retrieves one specific Root version's raw bytes,
// falling back to the Fetcher on a storage miss.
type RootVersionLoader func(ctx context.Context, version int) ([]byte, error)

// RotateRoots brings sec's view of one repository's Root up to
// localVersion, one version at a time. If sec reports -1 (unsupported /
// unknown), no catch-up is attempted. Any failed step aborts only this
// secondary's rotation; the caller is expected to skip to the next
// secondary rather than abort the whole cycle.
func RotateRoots(ctx context.Context, sec Secondary, director bool, localVersion int, load RootVersionLoader) error {
	current, err := sec.GetRootVersion(ctx, director)
	if err != nil {
		return fmt.Errorf("get root version: %w", err)
	}
	if current < 0 {
		return nil
	}
	for v := current + 1; v <= localVersion; v++ {
		data, err := load(ctx, v)
		if err != nil {
			return fmt.Errorf("load root version %d: %w", v, err)
		}
		ok, err := sec.PutRoot(ctx, data, director)
		if err != nil {
			return fmt.Errorf("put root version %d: %w", v, err)
		}
		if !ok {
			return fmt.Errorf("secondary rejected root version %d", v)
		}
	}
	return nil
}

// Bus fans operations out across every registered secondary, isolating
// one secondary's failure from the rest of the cycle.
type Bus struct {
	Secondaries []Secondary
}

// SendMetadataToEcus rotates each affected secondary's Director and Images
// Root to the given local versions, then delivers pack. Only secondaries
// named in affected (this cycle's target assignment) are touched, matching
// the reference client's sendMetadataToEcus, which looks up only the ECUs
// named by the current target list rather than the whole roster. A
// secondary whose rotation or delivery fails is skipped with a logged
// warning; the cycle continues for the rest. continueOnFailure does not
// change which secondaries are skipped here: the caller applies that
// policy to the firmware send, using the returned list of secondaries that
// accepted pack.
func (b *Bus) SendMetadataToEcus(ctx context.Context, directorRootVersion, imagesRootVersion int, loadDirectorRoot, loadImagesRoot RootVersionLoader, pack MetaPack, affected map[types.EcuSerial]bool, continueOnFailure bool) []Secondary {
	var delivered []Secondary
	for _, sec := range b.Secondaries {
		if !affected[sec.Serial()] {
			continue
		}
		logger := log.WithECU(string(sec.Serial()))
		if err := RotateRoots(ctx, sec, true, directorRootVersion, loadDirectorRoot); err != nil {
			logger.Warn().Err(err).Msg("director root rotation failed for secondary")
			continue
		}
		if err := RotateRoots(ctx, sec, false, imagesRootVersion, loadImagesRoot); err != nil {
			logger.Warn().Err(err).Msg("images root rotation failed for secondary")
			continue
		}
		ok, err := sec.PutMetadata(ctx, pack)
		if err != nil || !ok {
			logger.Warn().Err(err).Bool("accepted", ok).Msg("put_metadata failed for secondary")
			continue
		}
		delivered = append(delivered, sec)
	}
	return delivered
}

// SendImagesToEcus pushes firmware to every secondary in targets, keyed by
// serial, skipping any secondary with no matching image.
func (b *Bus) SendImagesToEcus(ctx context.Context, images map[types.EcuSerial][]byte) {
	for _, sec := range b.Secondaries {
		data, ok := images[sec.Serial()]
		if !ok {
			continue
		}
		logger := log.WithECU(string(sec.Serial()))
		sent, err := sec.SendFirmware(ctx, data)
		if err != nil || !sent {
			logger.Warn().Err(err).Bool("accepted", sent).Msg("send_firmware failed for secondary")
		}
	}
}
