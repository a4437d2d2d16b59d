// Package manifest assembles the signed vehicle-wide version manifest that
// is PUT to the Director after every install cycle: one signed inner
// report per ECU (primary plus every secondary that answered), wrapped in
// an outer envelope keyed by the primary's serial and signed again by the
// primary's own key.
package manifest

import (
	"crypto"
	"encoding/json"
	"fmt"

	"github.com/cuemby/nimbus-ota/pkg/canonical"
	nimbuscrypto "github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/log"
	"github.com/cuemby/nimbus-ota/pkg/pacman"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
)

// SecondaryReport describes one registered secondary the builder should
// poll for its signed inner manifest.
type SecondaryReport struct {
	Serial      types.EcuSerial
	PublicKey   types.PublicKey
	FetchSigned func() ([]byte, error)
}

// Builder assembles and signs the outer vehicle manifest.
type Builder struct {
	PrimarySerial  types.EcuSerial
	PrimaryPriv    crypto.Signer
	PrimaryKeyID   string
	PrimaryMethod  types.SignatureMethod
	PackageManager pacman.PackageManager
}

// Build runs the four-step assembly: query the primary's package manager,
// poll every secondary for its pre-signed inner report (omitting any whose
// signature does not verify), assemble the outer envelope, and sign it.
func (b *Builder) Build(opResult *types.OperationResult, secondaries []SecondaryReport) (*types.SignedDocument, error) {
	primaryInner, err := b.signPrimaryInner(opResult)
	if err != nil {
		return nil, err
	}

	reports := map[types.EcuSerial]types.SignedDocument{
		b.PrimarySerial: *primaryInner,
	}

	for _, sec := range secondaries {
		raw, err := sec.FetchSigned()
		if err != nil {
			log.WithECU(string(sec.Serial)).Warn().Err(err).Msg("secondary manifest fetch failed, omitting from vehicle manifest")
			continue
		}
		var doc types.SignedDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			log.WithECU(string(sec.Serial)).Warn().Err(err).Msg("secondary manifest malformed, omitting")
			continue
		}
		if err := b.verifyInner(&doc, sec.PublicKey); err != nil {
			log.WithECU(string(sec.Serial)).Warn().Err(err).Msg("secondary manifest signature invalid, omitting")
			continue
		}
		reports[sec.Serial] = doc
	}

	body := types.VehicleManifestBody{
		PrimaryEcuSerial:    b.PrimarySerial,
		EcuVersionManifests: reports,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, uptaneerr.New("manifest.Build", uptaneerr.ValidationFailed, err)
	}
	outer, err := b.signEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return outer, nil
}

func (b *Builder) signPrimaryInner(opResult *types.OperationResult) (*types.SignedDocument, error) {
	var installed types.Target
	if cur, ok := b.PackageManager.GetCurrent(); ok {
		installed = cur
	}
	body := types.EcuVersionManifestBody{
		EcuSerial:       b.PrimarySerial,
		InstalledImage:  installed,
		OperationResult: opResult,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, uptaneerr.New("manifest.signPrimaryInner", uptaneerr.ValidationFailed, err)
	}
	return b.signEnvelope(raw)
}

func (b *Builder) signEnvelope(body json.RawMessage) (*types.SignedDocument, error) {
	canon, err := canonical.EncodeRaw(body)
	if err != nil {
		return nil, err
	}
	sig, err := nimbuscrypto.Sign(b.PrimaryPriv, b.PrimaryKeyID, b.PrimaryMethod, canon)
	if err != nil {
		return nil, uptaneerr.New("manifest.signEnvelope", uptaneerr.ValidationFailed, err)
	}
	return &types.SignedDocument{Signed: body, Signatures: []types.Signature{sig}}, nil
}

func (b *Builder) verifyInner(doc *types.SignedDocument, pub types.PublicKey) error {
	if len(doc.Signatures) == 0 {
		return fmt.Errorf("no signatures present")
	}
	canon, err := canonical.EncodeRaw(doc.Signed)
	if err != nil {
		return err
	}
	parsed, err := nimbuscrypto.ParsePublicKey(pub)
	if err != nil {
		return err
	}
	for _, sig := range doc.Signatures {
		if sig.KeyID != pub.KeyID {
			continue
		}
		if err := nimbuscrypto.Verify(parsed, canon, sig); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no valid signature from keyid %s", pub.KeyID)
}

// HasPendingUpdates reports whether any inner report in manifests carries
// an in-progress operation result, the predicate the orchestrator polls to
// decide whether a reboot or a re-check is due.
func HasPendingUpdates(manifests map[types.EcuSerial]types.SignedDocument) bool {
	for _, doc := range manifests {
		var body types.EcuVersionManifestBody
		if err := json.Unmarshal(doc.Signed, &body); err != nil {
			continue
		}
		if body.OperationResult != nil && body.OperationResult.ResultCode == types.ResultInProgress {
			return true
		}
	}
	return false
}
