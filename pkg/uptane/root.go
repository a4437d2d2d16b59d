// Package uptane implements the Root verification engine shared by the
// Director and Images repositories, plus the two repository types
// themselves. Canonicalisation and signature checking are delegated to
// pkg/canonical and pkg/crypto so that every role document this package
// touches round-trips through the same canonical encoding used to sign
// it, matching third-party signatures byte-for-byte.
package uptane

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/crypto"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
)

// rootState is the common in-memory Root state both repositories embed.
type rootState struct {
	current *types.Root
	repo    types.RepositoryKind
}

// parseSigned unmarshals a SignedDocument from raw bytes.
func parseSigned(data []byte) (*types.SignedDocument, error) {
	var doc types.SignedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, uptaneerr.New("uptane.parseSigned", uptaneerr.ValidationFailed, err)
	}
	return &doc, nil
}

// parseRootBody decodes doc.Signed into a Root.
func parseRootBody(doc *types.SignedDocument) (*types.Root, error) {
	var root types.Root
	if err := json.Unmarshal(doc.Signed, &root); err != nil {
		return nil, uptaneerr.New("uptane.parseRootBody", uptaneerr.ValidationFailed, err)
	}
	return &root, nil
}

// parseBody decodes doc.Signed into an arbitrary role body (Targets,
// Timestamp, or Snapshot).
func parseBody(doc *types.SignedDocument, out any) error {
	if err := json.Unmarshal(doc.Signed, out); err != nil {
		return uptaneerr.New("uptane.parseBody", uptaneerr.ValidationFailed, err)
	}
	return nil
}

func validateThreshold(root *types.Root, role types.RoleKind) error {
	if root.Threshold(role) <= 0 {
		return uptaneerr.New("uptane.validateThreshold", uptaneerr.IllegalThreshold,
			fmt.Errorf("role %s has threshold %d", role, root.Threshold(role)))
	}
	return nil
}

// initRoot parses, canonicalises, and verifies a Root document's
// self-signing threshold, then adopts it as the current Root if none is
// set. Returns the parsed Root on success.
func (s *rootState) initRoot(data []byte) (*types.Root, error) {
	doc, err := parseSigned(data)
	if err != nil {
		return nil, err
	}
	root, err := parseRootBody(doc)
	if err != nil {
		return nil, err
	}
	if err := validateThreshold(root, types.RoleRoot); err != nil {
		return nil, err
	}

	valid, err := crypto.VerifyThreshold(root, types.RoleRoot, doc)
	if err != nil {
		return nil, uptaneerr.New("uptane.initRoot", uptaneerr.BadSignatures, err)
	}
	if valid < root.Threshold(types.RoleRoot) {
		return nil, uptaneerr.New("uptane.initRoot", uptaneerr.UnmetThreshold,
			fmt.Errorf("got %d valid signatures, need %d", valid, root.Threshold(types.RoleRoot)))
	}

	if s.current == nil {
		s.current = root
	}
	return root, nil
}

// verifyRoot advances the Root by exactly one version: new.version must
// equal current.version + 1, and the new document must meet the Root
// threshold under both the current and the new Root's key sets before the
// swap is made. Callers drive root rotation one version at a time so
// rotating through several versions clears non-Root metadata after each
// successful step, per invariant 1.
func (s *rootState) verifyRoot(data []byte) (*types.Root, error) {
	if s.current == nil {
		return nil, uptaneerr.New("uptane.verifyRoot", uptaneerr.InvariantViolation, fmt.Errorf("no current Root to rotate from"))
	}

	doc, err := parseSigned(data)
	if err != nil {
		return nil, err
	}
	newRoot, err := parseRootBody(doc)
	if err != nil {
		return nil, err
	}
	if err := validateThreshold(newRoot, types.RoleRoot); err != nil {
		return nil, err
	}

	if newRoot.Version != s.current.Version+1 {
		return nil, uptaneerr.New("uptane.verifyRoot", uptaneerr.RollbackAttack,
			fmt.Errorf("expected version %d, got %d", s.current.Version+1, newRoot.Version))
	}

	validUnderCurrent, err := crypto.VerifyThreshold(s.current, types.RoleRoot, doc)
	if err != nil {
		return nil, uptaneerr.New("uptane.verifyRoot", uptaneerr.BadSignatures, err)
	}
	if validUnderCurrent < s.current.Threshold(types.RoleRoot) {
		return nil, uptaneerr.New("uptane.verifyRoot", uptaneerr.UnmetThreshold,
			fmt.Errorf("new Root does not meet current Root's threshold"))
	}

	validUnderNew, err := crypto.VerifyThreshold(newRoot, types.RoleRoot, doc)
	if err != nil {
		return nil, uptaneerr.New("uptane.verifyRoot", uptaneerr.BadSignatures, err)
	}
	if validUnderNew < newRoot.Threshold(types.RoleRoot) {
		return nil, uptaneerr.New("uptane.verifyRoot", uptaneerr.UnmetThreshold,
			fmt.Errorf("new Root is not self-signing under its own threshold"))
	}

	s.current = newRoot
	return newRoot, nil
}

// rootExpired compares the current Root's expiry to wall-clock now.
// Expiry is not checked during rotation catch-up, only when the
// repository is about to be used for verification of other roles.
func (s *rootState) rootExpired(now time.Time) bool {
	if s.current == nil {
		return true
	}
	return now.After(s.current.Expires)
}

func (s *rootState) rootVersion() int {
	if s.current == nil {
		return 0
	}
	return s.current.Version
}

// PeekRootVersion reads the version field out of a Root document without
// verifying any signature, used by the orchestrator to learn how far a
// freshly fetched "latest" Root is ahead before walking the intermediate
// versions one rotation at a time.
func PeekRootVersion(data []byte) (int, error) {
	doc, err := parseSigned(data)
	if err != nil {
		return 0, err
	}
	root, err := parseRootBody(doc)
	if err != nil {
		return 0, err
	}
	return root.Version, nil
}
