package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/events"
	"github.com/cuemby/nimbus-ota/pkg/log"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptane"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
)

// rootRepo is the subset of DirectorRepo/ImagesRepo's Root handling both
// share, letting rotateRootChain drive either repository identically.
type rootRepo interface {
	InitRoot(data []byte) (*types.Root, error)
	VerifyRoot(data []byte) (*types.Root, error)
	RootExpired(now time.Time) bool
	RootVersion() int
}

// rotateRootChain brings repo's in-memory Root up to the latest remote
// version, one step at a time, clearing non-Root metadata after every
// successful rotation — invariant 1 of the Root verification engine.
func (o *Orchestrator) rotateRootChain(ctx context.Context, repo types.RepositoryKind, rr rootRepo, now time.Time) error {
	if rr.RootVersion() == 0 {
		if stored, ok, err := o.cfg.Store.LoadRole(repo, types.RoleRoot, 0); err == nil && ok {
			if _, err := rr.InitRoot(stored); err != nil {
				return err
			}
		} else {
			data, err := o.cfg.Fetcher.FetchRole(ctx, repo, types.RoleRoot, 1)
			if err != nil {
				return err
			}
			if _, err := rr.InitRoot(data); err != nil {
				return err
			}
			if err := o.cfg.Store.StoreRole(repo, types.RoleRoot, 1, data); err != nil {
				return uptaneerr.New("orchestrator.rotateRootChain", uptaneerr.StorageIO, err)
			}
		}
	}

	latest, err := o.cfg.Fetcher.FetchRole(ctx, repo, types.RoleRoot, 0)
	if err != nil {
		return err
	}
	remoteVersion, err := uptane.PeekRootVersion(latest)
	if err != nil {
		return err
	}

	for rr.RootVersion() < remoteVersion {
		next := rr.RootVersion() + 1
		data := latest
		if next != remoteVersion {
			data, err = o.cfg.Fetcher.FetchRole(ctx, repo, types.RoleRoot, next)
			if err != nil {
				return err
			}
		}
		if _, err := rr.VerifyRoot(data); err != nil {
			return err
		}
		if err := o.cfg.Store.StoreRole(repo, types.RoleRoot, next, data); err != nil {
			return uptaneerr.New("orchestrator.rotateRootChain", uptaneerr.StorageIO, err)
		}
		if err := o.cfg.Store.ClearNonRootMeta(repo); err != nil {
			return uptaneerr.New("orchestrator.rotateRootChain", uptaneerr.StorageIO, err)
		}
		o.publish(events.EventRootRotated, fmt.Sprintf("%s root rotated to version %d", repo, next), nil)
	}

	if rr.RootExpired(now) {
		return uptaneerr.New("orchestrator.rotateRootChain", uptaneerr.ExpiredMetadata, fmt.Errorf("%s root expired", repo))
	}
	return nil
}

func (o *Orchestrator) publish(kind events.EventType, msg string, meta map[string]string) {
	if o.cfg.Broker == nil {
		return
	}
	o.cfg.Broker.Publish(&events.Event{Type: kind, Message: msg, Metadata: meta})
}

// computeNewTargets partitions the Director's target list per §4.7 step 3:
// unknown ECU serials are skipped with a warning, a hardware mismatch is
// fatal for the whole iteration, and a target already installed on its ECU
// is dropped. Each surviving target appears at most once even if it names
// several ECUs.
func computeNewTargets(targets []types.Target, roster map[types.EcuSerial]types.HardwareIdentifier, installed map[types.EcuSerial]string) ([]types.Target, error) {
	seen := make(map[string]bool)
	var out []types.Target
	for _, target := range targets {
		for serial, hwID := range target.Custom.ECUIdentifiers {
			knownHwID, known := roster[serial]
			if !known {
				log.WithECU(string(serial)).Warn().Str("target", target.Filename).Msg("target names unregistered ecu serial, skipping")
				continue
			}
			if knownHwID != hwID {
				return nil, uptaneerr.New("orchestrator.computeNewTargets", uptaneerr.HardwareMismatch,
					fmt.Errorf("ecu %s: target names hw_id %s, registered as %s", serial, hwID, knownHwID))
			}
			if installed[serial] == target.Filename {
				continue
			}
			if !seen[target.Filename] {
				seen[target.Filename] = true
				out = append(out, target)
			}
		}
	}
	return out, nil
}

// lastInstalledFilenames reduces the append-only installed-version log to
// each ECU's most recently recorded filename.
func lastInstalledFilenames(entries []types.InstalledVersion) map[types.EcuSerial]string {
	out := make(map[types.EcuSerial]string, len(entries))
	for _, v := range entries {
		out[v.EcuSerial] = v.TargetFilename
	}
	return out
}

// uptaneIteration runs one full CheckForUpdates pass: Director Root
// catch-up, Director Targets verification, new-target computation, the
// Images verification chain, and fetch-verify of every new target.
func (o *Orchestrator) uptaneIteration(ctx context.Context) error {
	now := time.Now()
	o.setState(StateFetching)

	o.director.ResetMeta()
	if err := o.rotateRootChain(ctx, types.RepoDirector, o.director, now); err != nil {
		return err
	}

	o.setState(StateVerifying)

	targetsData, err := o.cfg.Fetcher.FetchRole(ctx, types.RepoDirector, types.RoleTargets, 0)
	if err != nil {
		return err
	}
	result, err := o.director.VerifyTargets(targetsData, now)
	if err != nil {
		return err
	}
	if result.Changed {
		if err := o.cfg.Store.StoreRole(types.RepoDirector, types.RoleTargets, 0, targetsData); err != nil {
			return uptaneerr.New("orchestrator.uptaneIteration", uptaneerr.StorageIO, err)
		}
	}

	roster, err := o.loadRoster()
	if err != nil {
		return err
	}
	installedLog, err := o.cfg.Store.LoadInstalledVersions()
	if err != nil {
		return uptaneerr.New("orchestrator.uptaneIteration", uptaneerr.StorageIO, err)
	}
	newTargets, err := computeNewTargets(result.Targets, roster, lastInstalledFilenames(installedLog))
	if err != nil {
		return err
	}

	if len(newTargets) == 0 {
		o.mu.Lock()
		o.pendingTargets = nil
		o.mu.Unlock()
		o.publish(events.EventTimestampUpdated, "no new targets this cycle", nil)
		return nil
	}

	o.setState(StateDownloading)

	if err := o.rotateRootChain(ctx, types.RepoImages, o.images, now); err != nil {
		return err
	}
	tsData, err := o.cfg.Fetcher.FetchRole(ctx, types.RepoImages, types.RoleTimestamp, 0)
	if err != nil {
		return err
	}
	if _, err := o.images.VerifyTimestamp(tsData, now); err != nil {
		return err
	}
	if err := o.cfg.Store.StoreRole(types.RepoImages, types.RoleTimestamp, 0, tsData); err != nil {
		return uptaneerr.New("orchestrator.uptaneIteration", uptaneerr.StorageIO, err)
	}

	snapData, err := o.cfg.Fetcher.FetchRole(ctx, types.RepoImages, types.RoleSnapshot, 0)
	if err != nil {
		return err
	}
	if _, err := o.images.VerifySnapshot(snapData, now); err != nil {
		return err
	}
	if err := o.cfg.Store.StoreRole(types.RepoImages, types.RoleSnapshot, 0, snapData); err != nil {
		return uptaneerr.New("orchestrator.uptaneIteration", uptaneerr.StorageIO, err)
	}

	imgTargetsData, err := o.cfg.Fetcher.FetchRole(ctx, types.RepoImages, types.RoleTargets, 0)
	if err != nil {
		return err
	}
	imgTargets, err := o.images.VerifyTargets(imgTargetsData, now)
	if err != nil {
		return err
	}
	if err := o.cfg.Store.StoreRole(types.RepoImages, types.RoleTargets, imgTargets.Version, imgTargetsData); err != nil {
		return uptaneerr.New("orchestrator.uptaneIteration", uptaneerr.StorageIO, err)
	}

	for _, target := range newTargets {
		imagesTarget, err := o.images.GetTarget(target)
		if err != nil {
			return err
		}
		if imagesTarget == nil {
			log.WithComponent("orchestrator").Warn().Str("target", target.Filename).Msg("target not present in images repository, skipping")
			continue
		}
		if err := o.cfg.Fetcher.FetchVerifyTarget(ctx, o.cfg.Store, *imagesTarget, false); err != nil {
			return err
		}
	}

	o.mu.Lock()
	o.pendingTargets = newTargets
	o.mu.Unlock()

	o.publish(events.EventTargetsUpdated, fmt.Sprintf("%d new targets", len(newTargets)), nil)
	return nil
}

func (o *Orchestrator) loadRoster() (map[types.EcuSerial]types.HardwareIdentifier, error) {
	ecus, err := o.cfg.Store.LoadEcuSerials()
	if err != nil {
		return nil, uptaneerr.New("orchestrator.loadRoster", uptaneerr.StorageIO, err)
	}
	out := make(map[types.EcuSerial]types.HardwareIdentifier, len(ecus))
	for _, ecu := range ecus {
		out[ecu.Serial] = ecu.HwID
	}
	return out, nil
}
