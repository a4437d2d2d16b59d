package uptane

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/canonical"
	"github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
)

// ImagesRepo holds the fleet-wide Images repository's Root, Timestamp,
// Snapshot, and Targets state. Fresh metadata is always verified in the
// fixed order Root -> Timestamp -> Snapshot -> Targets.
type ImagesRepo struct {
	root      rootState
	timestamp *types.Timestamp
	snapshot  *types.Snapshot
	targets   *types.Targets
}

// NewImagesRepo creates an empty ImagesRepo.
func NewImagesRepo() *ImagesRepo {
	return &ImagesRepo{root: rootState{repo: types.RepoImages}}
}

func (r *ImagesRepo) InitRoot(data []byte) (*types.Root, error) { return r.root.initRoot(data) }
func (r *ImagesRepo) VerifyRoot(data []byte) (*types.Root, error) {
	return r.root.verifyRoot(data)
}
func (r *ImagesRepo) RootExpired(now time.Time) bool { return r.root.rootExpired(now) }
func (r *ImagesRepo) RootVersion() int               { return r.root.rootVersion() }
func (r *ImagesRepo) CurrentRoot() *types.Root       { return r.root.current }

// ResetMeta returns the in-memory view to a blank state; on-disk
// persistence is untouched.
func (r *ImagesRepo) ResetMeta() {
	r.root.current = nil
	r.timestamp = nil
	r.snapshot = nil
	r.targets = nil
}

// VerifyTimestamp checks data's signature threshold under the current
// Root's Timestamp keys, a strictly greater version than stored, and
// expiry.
func (r *ImagesRepo) VerifyTimestamp(data []byte, now time.Time) (*types.Timestamp, error) {
	if r.root.current == nil {
		return nil, uptaneerr.New("uptane.VerifyTimestamp", uptaneerr.MissingRepo, fmt.Errorf("no current Images Root"))
	}
	if err := validateThreshold(r.root.current, types.RoleTimestamp); err != nil {
		return nil, err
	}

	doc, err := parseSigned(data)
	if err != nil {
		return nil, err
	}
	var ts types.Timestamp
	if err := parseBody(doc, &ts); err != nil {
		return nil, err
	}

	valid, err := crypto.VerifyThreshold(r.root.current, types.RoleTimestamp, doc)
	if err != nil {
		return nil, uptaneerr.New("uptane.VerifyTimestamp", uptaneerr.BadSignatures, err)
	}
	if valid < r.root.current.Threshold(types.RoleTimestamp) {
		return nil, uptaneerr.New("uptane.VerifyTimestamp", uptaneerr.UnmetThreshold,
			fmt.Errorf("got %d valid signatures, need %d", valid, r.root.current.Threshold(types.RoleTimestamp)))
	}

	if r.timestamp != nil && ts.Version <= r.timestamp.Version {
		return nil, uptaneerr.New("uptane.VerifyTimestamp", uptaneerr.RollbackAttack,
			fmt.Errorf("remote timestamp version %d not strictly greater than local %d", ts.Version, r.timestamp.Version))
	}
	if now.After(ts.Expires) {
		return nil, uptaneerr.New("uptane.VerifyTimestamp", uptaneerr.ExpiredMetadata,
			fmt.Errorf("timestamp expired at %s", ts.Expires))
	}

	r.timestamp = &ts
	return &ts, nil
}

// VerifySnapshot checks, in order: signature threshold, then structural
// checks — the snapshot's pinned hash (if Timestamp pins one) matches,
// its version is >= the version Timestamp recorded, every role it lists
// has version >= the locally stored version, and it is not expired. This
// ordering (signatures before structure) is deliberate.
func (r *ImagesRepo) VerifySnapshot(data []byte, now time.Time) (*types.Snapshot, error) {
	if r.root.current == nil {
		return nil, uptaneerr.New("uptane.VerifySnapshot", uptaneerr.MissingRepo, fmt.Errorf("no current Images Root"))
	}
	if r.timestamp == nil {
		return nil, uptaneerr.New("uptane.VerifySnapshot", uptaneerr.InvariantViolation, fmt.Errorf("no Timestamp to pin Snapshot"))
	}
	if err := validateThreshold(r.root.current, types.RoleSnapshot); err != nil {
		return nil, err
	}

	doc, err := parseSigned(data)
	if err != nil {
		return nil, err
	}

	valid, err := crypto.VerifyThreshold(r.root.current, types.RoleSnapshot, doc)
	if err != nil {
		return nil, uptaneerr.New("uptane.VerifySnapshot", uptaneerr.BadSignatures, err)
	}
	if valid < r.root.current.Threshold(types.RoleSnapshot) {
		return nil, uptaneerr.New("uptane.VerifySnapshot", uptaneerr.UnmetThreshold,
			fmt.Errorf("got %d valid signatures, need %d", valid, r.root.current.Threshold(types.RoleSnapshot)))
	}

	var snap types.Snapshot
	if err := parseBody(doc, &snap); err != nil {
		return nil, err
	}

	if pinned, ok := r.timestamp.Meta["snapshot.json"]; ok {
		if len(pinned.Hashes) > 0 {
			canon, err := canonical.EncodeRaw(doc.Signed)
			if err != nil {
				return nil, err
			}
			sum := sha256.Sum256(canon)
			got := hex.EncodeToString(sum[:])
			if want, ok := pinned.Hashes["sha256"]; ok && want != got {
				return nil, uptaneerr.New("uptane.VerifySnapshot", uptaneerr.MismatchedTargets,
					fmt.Errorf("snapshot hash mismatch: got %s want %s", got, want))
			}
		}
		if snap.Version < pinned.Version {
			return nil, uptaneerr.New("uptane.VerifySnapshot", uptaneerr.RollbackAttack,
				fmt.Errorf("snapshot version %d < version %d pinned by timestamp", snap.Version, pinned.Version))
		}
	}

	if r.snapshot != nil {
		for role, meta := range snap.Meta {
			if prior, ok := r.snapshot.Meta[role]; ok && meta.Version < prior.Version {
				return nil, uptaneerr.New("uptane.VerifySnapshot", uptaneerr.RollbackAttack,
					fmt.Errorf("snapshot entry %s regressed from version %d to %d", role, prior.Version, meta.Version))
			}
		}
	}

	if now.After(snap.Expires) {
		return nil, uptaneerr.New("uptane.VerifySnapshot", uptaneerr.ExpiredMetadata,
			fmt.Errorf("snapshot expired at %s", snap.Expires))
	}

	r.snapshot = &snap
	return &snap, nil
}

// VerifyTargets checks data's signature threshold and that its version
// matches the version pinned by Snapshot, then checks expiry.
func (r *ImagesRepo) VerifyTargets(data []byte, now time.Time) (*types.Targets, error) {
	if r.root.current == nil {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.MissingRepo, fmt.Errorf("no current Images Root"))
	}
	if r.snapshot == nil {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.InvariantViolation, fmt.Errorf("no Snapshot to pin Targets"))
	}
	if err := validateThreshold(r.root.current, types.RoleTargets); err != nil {
		return nil, err
	}

	doc, err := parseSigned(data)
	if err != nil {
		return nil, err
	}

	valid, err := crypto.VerifyThreshold(r.root.current, types.RoleTargets, doc)
	if err != nil {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.BadSignatures, err)
	}
	if valid < r.root.current.Threshold(types.RoleTargets) {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.UnmetThreshold,
			fmt.Errorf("got %d valid signatures, need %d", valid, r.root.current.Threshold(types.RoleTargets)))
	}

	var targets types.Targets
	if err := parseBody(doc, &targets); err != nil {
		return nil, err
	}

	pinned, ok := r.snapshot.Meta["targets.json"]
	if ok && targets.Version != pinned.Version {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.MismatchedTargets,
			fmt.Errorf("targets version %d does not match %d pinned by snapshot", targets.Version, pinned.Version))
	}
	if now.After(targets.Expires) {
		return nil, uptaneerr.New("uptane.VerifyTargets", uptaneerr.ExpiredMetadata,
			fmt.Errorf("targets expired at %s", targets.Expires))
	}

	r.targets = &targets
	return &targets, nil
}

// GetTarget looks up directorTarget by filename among the Images
// repository's verified Targets, returning it only if filename, length,
// and every common hash agree with the Director-side description. Any
// mismatch is reported as MismatchedTargets rather than a silent miss.
func (r *ImagesRepo) GetTarget(directorTarget types.Target) (*types.Target, error) {
	if r.targets == nil {
		return nil, uptaneerr.New("uptane.GetTarget", uptaneerr.InvariantViolation, fmt.Errorf("images targets not yet verified"))
	}
	imagesTarget, ok := r.targets.Targets[directorTarget.Filename]
	if !ok {
		return nil, nil
	}
	if imagesTarget.Filename == "" {
		imagesTarget.Filename = directorTarget.Filename
	}
	if imagesTarget.Filename != directorTarget.Filename {
		return nil, uptaneerr.New("uptane.GetTarget", uptaneerr.MismatchedTargets,
			fmt.Errorf("filename mismatch: director %s images %s", directorTarget.Filename, imagesTarget.Filename))
	}
	if imagesTarget.Length != directorTarget.Length {
		return nil, uptaneerr.New("uptane.GetTarget", uptaneerr.MismatchedTargets,
			fmt.Errorf("length mismatch for %s: director %d images %d", directorTarget.Filename, directorTarget.Length, imagesTarget.Length))
	}
	for alg, want := range directorTarget.Hashes {
		got, ok := imagesTarget.Hashes[alg]
		if !ok {
			continue
		}
		if got != want {
			return nil, uptaneerr.New("uptane.GetTarget", uptaneerr.MismatchedTargets,
				fmt.Errorf("%s hash mismatch for %s", alg, directorTarget.Filename))
		}
	}
	return &imagesTarget, nil
}
