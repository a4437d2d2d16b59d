package pacman

import "github.com/cuemby/nimbus-ota/pkg/types"

// Fake is a controllable PackageManager double for exercising
// ManifestBuilder and the orchestrator's install flow without a real
// install backend.
type Fake struct {
	Current     types.Target
	HasCurrent  bool
	InstallCode types.ResultCode
	InstallText string
	Installs    []types.Target
}

func NewFake() *Fake {
	return &Fake{InstallCode: types.ResultOk, InstallText: "ok"}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) GetCurrent() (types.Target, bool) { return f.Current, f.HasCurrent }

func (f *Fake) Install(target types.Target, imagePath string) (types.ResultCode, string) {
	f.Installs = append(f.Installs, target)
	f.Current = target
	f.HasCurrent = true
	return f.InstallCode, f.InstallText
}
