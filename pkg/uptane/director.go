package uptane

import (
	"fmt"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
)

// DirectorRepo holds the per-vehicle Director repository's Root and
// Targets state.
type DirectorRepo struct {
	root    rootState
	targets *types.Targets
}

// NewDirectorRepo creates an empty DirectorRepo.
func NewDirectorRepo() *DirectorRepo {
	return &DirectorRepo{root: rootState{repo: types.RepoDirector}}
}

func (d *DirectorRepo) InitRoot(data []byte) (*types.Root, error) { return d.root.initRoot(data) }
func (d *DirectorRepo) VerifyRoot(data []byte) (*types.Root, error) {
	return d.root.verifyRoot(data)
}
func (d *DirectorRepo) RootExpired(now time.Time) bool { return d.root.rootExpired(now) }
func (d *DirectorRepo) RootVersion() int               { return d.root.rootVersion() }
func (d *DirectorRepo) CurrentRoot() *types.Root       { return d.root.current }

// ResetMeta returns the in-memory view to a blank state; on-disk
// persistence is untouched so the orchestrator can replay verification
// from storage at the start of each iteration.
func (d *DirectorRepo) ResetMeta() {
	d.root.current = nil
	d.targets = nil
}

// VerifyTargetsResult is the outcome of VerifyTargets.
type VerifyTargetsResult struct {
	// Changed is false when the fetched document's version equals the
	// stored version — treated as "no change, success".
	Changed bool
	Targets []types.Target
}

// VerifyTargets checks data against the Director's current Root: Targets-
// role signature threshold, strictly-greater version (equal version is a
// no-op success), and expiry.
func (d *DirectorRepo) VerifyTargets(data []byte, now time.Time) (*VerifyTargetsResult, error) {
	if d.root.current == nil {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.MissingRepo, fmt.Errorf("no current Director Root"))
	}
	if err := validateThreshold(d.root.current, types.RoleTargets); err != nil {
		return nil, err
	}

	doc, err := parseSigned(data)
	if err != nil {
		return nil, err
	}
	var targets types.Targets
	if err := parseBody(doc, &targets); err != nil {
		return nil, err
	}

	if d.targets != nil && targets.Version == d.targets.Version {
		return &VerifyTargetsResult{Changed: false, Targets: targetList(d.targets)}, nil
	}
	if d.targets != nil && targets.Version < d.targets.Version {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.RollbackAttack,
			fmt.Errorf("remote targets version %d < local %d", targets.Version, d.targets.Version))
	}

	valid, err := crypto.VerifyThreshold(d.root.current, types.RoleTargets, doc)
	if err != nil {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.BadSignatures, err)
	}
	if valid < d.root.current.Threshold(types.RoleTargets) {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.UnmetThreshold,
			fmt.Errorf("got %d valid signatures, need %d", valid, d.root.current.Threshold(types.RoleTargets)))
	}

	if now.After(targets.Expires) {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.ExpiredMetadata,
			fmt.Errorf("targets expired at %s", targets.Expires))
	}

	d.targets = &targets
	return &VerifyTargetsResult{Changed: true, Targets: targetList(&targets)}, nil
}

func targetList(t *types.Targets) []types.Target {
	out := make([]types.Target, 0, len(t.Targets))
	for name, target := range t.Targets {
		if target.Filename == "" {
			target.Filename = name
		}
		out = append(out, target)
	}
	return out
}
