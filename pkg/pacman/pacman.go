// Package pacman defines the contract the core consumes from whichever
// package manager performs the final image install on the primary
// controller. The managers themselves (OSTree, a plain binary replace, or
// a no-op) are external collaborators: this package only carries the
// narrow interface ManifestBuilder and the orchestrator need, plus thin
// adapters that are believable stand-ins for the real tooling.
package pacman

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/nimbus-ota/pkg/types"
)

// Kind identifies which package manager backs a PackageManager value,
// matching the original's pacman.type enumeration.
type Kind string

const (
	KindNone   Kind = "none"
	KindOSTree Kind = "ostree"
	KindBinary Kind = "binary"
)

// PackageManager is queried for the currently installed image and invoked
// to install a new one.
type PackageManager interface {
	Name() string
	GetCurrent() (types.Target, bool)
	Install(target types.Target, imagePath string) (types.ResultCode, string)
}

// None is the no-op package manager: nothing is ever installed, no current
// target is reported, and every Install call reports Ok. Used by ECUs whose primary role is
// pure pass-through (metadata-only devices) and by the literal test
// fixtures in §8.
type None struct{}

func NewNone() *None { return &None{} }

func (n *None) Name() string { return string(KindNone) }

func (n *None) GetCurrent() (types.Target, bool) { return types.Target{}, false }

func (n *None) Install(target types.Target, imagePath string) (types.ResultCode, string) {
	return types.ResultOk, "no-op package manager accepts every target"
}

// Binary replaces a single file under sysroot with the downloaded image,
// tracking the hash of whatever is currently there as the "installed"
// target.
type Binary struct {
	sysroot string
}

func NewBinary(sysroot string) *Binary {
	return &Binary{sysroot: sysroot}
}

func (b *Binary) Name() string { return string(KindBinary) }

func (b *Binary) currentPath() string {
	return filepath.Join(b.sysroot, "current")
}

func (b *Binary) GetCurrent() (types.Target, bool) {
	data, err := os.ReadFile(b.currentPath())
	if err != nil {
		return types.Target{}, false
	}
	sum := sha256.Sum256(data)
	return types.Target{
		Filename: "current",
		Length:   int64(len(data)),
		Hashes:   map[string]string{"sha256": hex.EncodeToString(sum[:])},
	}, true
}

func (b *Binary) Install(target types.Target, imagePath string) (types.ResultCode, string) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return types.ResultInstallFailed, fmt.Sprintf("read staged image: %v", err)
	}
	if err := os.MkdirAll(b.sysroot, 0o755); err != nil {
		return types.ResultInstallFailed, fmt.Sprintf("create sysroot: %v", err)
	}
	if err := os.WriteFile(b.currentPath(), data, 0o644); err != nil {
		return types.ResultInstallFailed, fmt.Sprintf("write image: %v", err)
	}
	return types.ResultOk, "installed"
}

// OSTree is a thin stand-in for shelling out to the ostree CLI against a
// remote treehub. It records the sysroot and treehub URL but, as an
// external collaborator this module only consumes the contract of,
// performs no actual OSTree deployment machinery; install reports success
// once the staged commit is readable.
type OSTree struct {
	sysroot string
	server  string
}

func NewOSTree(sysroot, server string) *OSTree {
	return &OSTree{sysroot: sysroot, server: server}
}

func (o *OSTree) Name() string { return string(KindOSTree) }

func (o *OSTree) GetCurrent() (types.Target, bool) { return types.Target{}, false }

func (o *OSTree) Install(target types.Target, imagePath string) (types.ResultCode, string) {
	if _, err := os.Stat(imagePath); err != nil {
		return types.ResultInstallFailed, fmt.Sprintf("staged commit unavailable: %v", err)
	}
	return types.ResultOk, fmt.Sprintf("ostree commit staged from %s", o.server)
}
