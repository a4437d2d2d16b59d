package secondary

import (
	"context"

	"github.com/cuemby/nimbus-ota/pkg/types"
)

// Unsupported satisfies the Secondary interface for transport kinds named
// by the reference design (OpcUa, IsoTp, VirtualUptane) that this module
// has no retrievable protocol implementation to ground — every capability
// call fails with ErrUnsupportedTransport rather than fabricating one.
type Unsupported struct {
	kind   Kind
	serial types.EcuSerial
	hwID   types.HardwareIdentifier
}

// NewUnsupported creates a placeholder Secondary of the given kind.
func NewUnsupported(kind Kind, serial types.EcuSerial, hwID types.HardwareIdentifier) *Unsupported {
	return &Unsupported{kind: kind, serial: serial, hwID: hwID}
}

func (u *Unsupported) Kind() Kind                     { return u.kind }
func (u *Unsupported) Serial() types.EcuSerial        { return u.serial }
func (u *Unsupported) HwID() types.HardwareIdentifier { return u.hwID }

func (u *Unsupported) GetPublicKey(ctx context.Context) (types.PublicKey, error) {
	return types.PublicKey{}, ErrUnsupportedTransport
}

func (u *Unsupported) GetManifest(ctx context.Context) ([]byte, error) {
	return nil, ErrUnsupportedTransport
}

func (u *Unsupported) GetRootVersion(ctx context.Context, director bool) (int, error) {
	return -1, ErrUnsupportedTransport
}

func (u *Unsupported) PutRoot(ctx context.Context, data []byte, director bool) (bool, error) {
	return false, ErrUnsupportedTransport
}

func (u *Unsupported) PutMetadata(ctx context.Context, pack MetaPack) (bool, error) {
	return false, ErrUnsupportedTransport
}

func (u *Unsupported) SendFirmware(ctx context.Context, data []byte) (bool, error) {
	return false, ErrUnsupportedTransport
}
