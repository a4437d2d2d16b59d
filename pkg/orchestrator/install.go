package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/cuemby/nimbus-ota/pkg/bootloader"
	"github.com/cuemby/nimbus-ota/pkg/events"
	"github.com/cuemby/nimbus-ota/pkg/log"
	"github.com/cuemby/nimbus-ota/pkg/manifest"
	"github.com/cuemby/nimbus-ota/pkg/secondary"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
)

// uptaneInstall runs one install cycle over o.pendingTargets: metadata
// push to every affected secondary, at most one primary install, firmware
// push to every affected secondary, manifest assembly and PUT, and finally
// a reboot check.
func (o *Orchestrator) uptaneInstall(ctx context.Context) error {
	o.mu.Lock()
	targets := o.pendingTargets
	o.mu.Unlock()

	o.publish(events.EventInstallStarted, fmt.Sprintf("installing %d targets", len(targets)), nil)

	results := make(map[string]*types.OperationResult)

	var primaryUpdates []types.Target
	secondaryUpdates := make(map[types.EcuSerial]types.Target)
	for _, target := range targets {
		for serial := range target.Custom.ECUIdentifiers {
			if serial == o.cfg.PrimarySerial {
				primaryUpdates = append(primaryUpdates, target)
			} else {
				secondaryUpdates[serial] = target
			}
		}
	}

	o.setState(StateInstalling)

	pack, err := o.currentMetaPack()
	if err != nil {
		return err
	}
	loadRoot := func(repo types.RepositoryKind) secondary.RootVersionLoader {
		return func(ctx context.Context, version int) ([]byte, error) {
			data, ok, err := o.cfg.Store.LoadRole(repo, types.RoleRoot, version)
			if err != nil {
				return nil, uptaneerr.New("orchestrator.uptaneInstall", uptaneerr.StorageIO, err)
			}
			if !ok {
				return o.cfg.Fetcher.FetchRole(ctx, repo, types.RoleRoot, version)
			}
			return data, nil
		}
	}
	affected := make(map[types.EcuSerial]bool, len(secondaryUpdates))
	for serial := range secondaryUpdates {
		affected[serial] = true
	}
	delivered := o.cfg.Bus.SendMetadataToEcus(ctx, o.director.RootVersion(), o.images.RootVersion(),
		loadRoot(types.RepoDirector), loadRoot(types.RepoImages), pack, affected, o.cfg.ContinueOnMetadataFailure)
	gotMetadata := make(map[types.EcuSerial]bool, len(delivered))
	for _, sec := range delivered {
		gotMetadata[sec.Serial()] = true
	}

	if len(primaryUpdates) > 0 {
		target := primaryUpdates[0]
		result := o.installPrimary(target)
		results[target.Filename] = result
	}

	images := make(map[types.EcuSerial][]byte)
	for serial, target := range secondaryUpdates {
		if !o.cfg.ContinueOnMetadataFailure && !gotMetadata[serial] {
			log.WithECU(string(serial)).Warn().Msg("metadata delivery failed for secondary, skipping firmware send")
			continue
		}
		data, err := o.loadTargetOrCredentials(target)
		if err != nil {
			log.WithECU(string(serial)).Warn().Err(err).Msg("could not stage firmware for secondary, skipping")
			continue
		}
		images[serial] = data
	}
	o.cfg.Bus.SendImagesToEcus(ctx, images)

	o.setState(StateReporting)

	if err := o.reportManifest(ctx, results, o.cfg.Bus.Secondaries); err != nil {
		return err
	}

	o.publish(events.EventInstallCompleted, "install cycle complete", nil)

	return bootloader.TriggerReboot(o.cfg.Bootloader)
}

// currentMetaPack assembles the MetaPack from the latest persisted role
// documents for both repositories.
func (o *Orchestrator) currentMetaPack() (secondary.MetaPack, error) {
	load := func(repo types.RepositoryKind, role types.RoleKind) ([]byte, error) {
		data, ok, err := o.cfg.Store.LoadRole(repo, role, 0)
		if err != nil {
			return nil, uptaneerr.New("orchestrator.currentMetaPack", uptaneerr.StorageIO, err)
		}
		if !ok {
			return nil, uptaneerr.New("orchestrator.currentMetaPack", uptaneerr.MissingRepo, fmt.Errorf("no stored %s %s", repo, role))
		}
		return data, nil
	}

	directorRoot, err := load(types.RepoDirector, types.RoleRoot)
	if err != nil {
		return secondary.MetaPack{}, err
	}
	directorTargets, err := load(types.RepoDirector, types.RoleTargets)
	if err != nil {
		return secondary.MetaPack{}, err
	}
	imageRoot, err := load(types.RepoImages, types.RoleRoot)
	if err != nil {
		return secondary.MetaPack{}, err
	}
	imageTimestamp, err := load(types.RepoImages, types.RoleTimestamp)
	if err != nil {
		return secondary.MetaPack{}, err
	}
	imageSnapshot, err := load(types.RepoImages, types.RoleSnapshot)
	if err != nil {
		return secondary.MetaPack{}, err
	}
	imageTargets, err := load(types.RepoImages, types.RoleTargets)
	if err != nil {
		return secondary.MetaPack{}, err
	}

	return secondary.MetaPack{
		DirectorRoot:    directorRoot,
		DirectorTargets: directorTargets,
		ImageRoot:       imageRoot,
		ImageTimestamp:  imageTimestamp,
		ImageSnapshot:   imageSnapshot,
		ImageTargets:    imageTargets,
	}, nil
}

// installPrimary installs target on the primary controller's own package
// manager, recording AlreadyProcessed when its hash already matches what
// is currently installed.
func (o *Orchestrator) installPrimary(target types.Target) *types.OperationResult {
	if current, ok := o.cfg.PackageManager.GetCurrent(); ok {
		if wantHash, ok := target.Hashes["sha256"]; ok {
			if gotHash, ok := current.Hashes["sha256"]; ok && gotHash == wantHash {
				return &types.OperationResult{
					TargetFilename: target.Filename,
					ResultCode:     types.ResultAlreadyProcessed,
					ResultText:     "already installed",
				}
			}
		}
	}

	if err := o.cfg.Bootloader.SetRebootFlag(); err != nil {
		log.WithComponent("orchestrator").Warn().Err(err).Msg("failed to set reboot flag before install")
	}

	imagePath, cleanup, err := o.stageTargetFile(target.Filename)
	if err != nil {
		return &types.OperationResult{
			TargetFilename: target.Filename,
			ResultCode:     types.ResultInstallFailed,
			ResultText:     err.Error(),
		}
	}
	defer cleanup()

	code, text := o.cfg.PackageManager.Install(target, imagePath)
	result := &types.OperationResult{TargetFilename: target.Filename, ResultCode: code, ResultText: text}

	if code == types.ResultOk {
		if err := o.cfg.Store.AppendInstalledVersion(types.InstalledVersion{
			EcuSerial:      o.cfg.PrimarySerial,
			TargetFilename: target.Filename,
			Hashes:         target.Hashes,
			Length:         target.Length,
		}); err != nil {
			log.WithComponent("orchestrator").Warn().Err(err).Msg("failed to append installed version record")
		}
	}
	return result
}

// stageTargetFile copies a stored target's bytes out to a real file on
// disk so package managers that shell out to external tooling have a
// path to operate on.
func (o *Orchestrator) stageTargetFile(filename string) (path string, cleanup func(), err error) {
	reader, err := o.cfg.Store.OpenTargetFile(filename)
	if err != nil {
		return "", nil, uptaneerr.New("orchestrator.stageTargetFile", uptaneerr.StorageIO, err)
	}
	defer reader.Close()

	tmp, err := os.CreateTemp("", "nimbus-ota-target-*")
	if err != nil {
		return "", nil, uptaneerr.New("orchestrator.stageTargetFile", uptaneerr.StorageIO, err)
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, uptaneerr.New("orchestrator.stageTargetFile", uptaneerr.StorageIO, err)
	}
	tmp.Close()
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// loadTargetOrCredentials returns the bytes to send as firmware for
// target: its stored content, except for a zero-length target (the
// OSTree-secondary marker), where the payload is the TLS credentials
// archive instead.
func (o *Orchestrator) loadTargetOrCredentials(target types.Target) ([]byte, error) {
	if target.Length == 0 {
		if len(o.cfg.OSTreeCredentialsArchive) == 0 {
			return nil, fmt.Errorf("target %s is zero-length but no credentials archive is configured", target.Filename)
		}
		return o.cfg.OSTreeCredentialsArchive, nil
	}
	reader, err := o.cfg.Store.OpenTargetFile(target.Filename)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// reportManifest assembles the vehicle manifest from the primary's own
// install result plus every registered secondary's pre-signed inner
// report, and PUTs it to the Director. It always requests a manifest from
// the full roster, not just the secondaries that received fresh metadata
// this cycle — an ECU with nothing new to install still reports its
// current state every cycle.
func (o *Orchestrator) reportManifest(ctx context.Context, results map[string]*types.OperationResult, roster []secondary.Secondary) error {
	var opResult *types.OperationResult
	for _, r := range results {
		opResult = r
		break
	}

	var reports []manifest.SecondaryReport
	for _, sec := range roster {
		sec := sec
		pub, err := sec.GetPublicKey(ctx)
		if err != nil {
			log.WithECU(string(sec.Serial())).Warn().Err(err).Msg("could not fetch secondary public key, omitting from manifest")
			continue
		}
		reports = append(reports, manifest.SecondaryReport{
			Serial:    sec.Serial(),
			PublicKey: pub,
			FetchSigned: func() ([]byte, error) {
				return sec.GetManifest(ctx)
			},
		})
	}

	doc, err := o.builder.Build(opResult, reports)
	if err != nil {
		return err
	}

	return o.putManifest(ctx, doc)
}

func (o *Orchestrator) putManifest(ctx context.Context, doc *types.SignedDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return uptaneerr.New("orchestrator.putManifest", uptaneerr.ValidationFailed, err)
	}
	url := o.cfg.Fetcher.DirectorURL + "/manifest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(raw))
	if err != nil {
		return uptaneerr.New("orchestrator.putManifest", uptaneerr.TransportError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.cfg.Fetcher.Client.Do(req)
	if err != nil {
		return uptaneerr.New("orchestrator.putManifest", uptaneerr.TransportError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return uptaneerr.New("orchestrator.putManifest", uptaneerr.TransportError, fmt.Errorf("manifest PUT returned status %d", resp.StatusCode))
	}
	return nil
}
