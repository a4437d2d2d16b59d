package types

import (
	"encoding/json"
	"time"
)

// RoleKind identifies one of the four TUF/Uptane metadata roles.
type RoleKind string

const (
	RoleRoot      RoleKind = "root"
	RoleTargets   RoleKind = "targets"
	RoleTimestamp RoleKind = "timestamp"
	RoleSnapshot  RoleKind = "snapshot"
)

// RepositoryKind distinguishes the two independent Uptane repositories.
type RepositoryKind string

const (
	RepoDirector RepositoryKind = "director"
	RepoImages   RepositoryKind = "images"
)

// KeyType identifies the algorithm family of a PublicKey.
type KeyType string

const (
	KeyTypeRSA2048 KeyType = "rsa2048"
	KeyTypeRSA3072 KeyType = "rsa3072"
	KeyTypeRSA4096 KeyType = "rsa4096"
	KeyTypeEd25519 KeyType = "ed25519"
)

// SignatureMethod identifies the signing scheme used to produce a Signature.
type SignatureMethod string

const (
	MethodRSASSAPSSSHA256 SignatureMethod = "rsassa-pss-sha256"
	MethodEd25519         SignatureMethod = "ed25519"
)

// PublicKey carries its raw encoding; KeyID is the hash of its canonical
// form and is used as identity in Root role listings.
type PublicKey struct {
	KeyID string  `json:"keyid"`
	Type  KeyType `json:"keytype"`
	Value []byte  `json:"keyval"`
}

// Signature is a detached signature over a SignedDocument's canonical
// "signed" payload.
type Signature struct {
	KeyID  string          `json:"keyid"`
	Method SignatureMethod `json:"method"`
	Value  []byte          `json:"sig"`
}

// SignedDocument is the outer envelope: a canonical payload plus signatures.
// Signed is kept as raw canonical bytes so verification can re-canonicalise
// and compare byte-for-byte instead of round-tripping through struct
// re-encoding, which would not reproduce a third party's canonical form.
type SignedDocument struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

// RootKeys lists the authorised public keys and signing threshold for one
// role within a Root document.
type RootKeys struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// Root is the parsed body of a Root role document.
type Root struct {
	Type    string                `json:"_type"`
	Version int                   `json:"version"`
	Expires time.Time             `json:"expires"`
	Keys    map[string]PublicKey  `json:"keys"`
	Roles   map[RoleKind]RootKeys `json:"roles"`
}

// Threshold returns the configured threshold for the given role, or 0 if
// the role is not present in this Root.
func (r *Root) Threshold(role RoleKind) int {
	rk, ok := r.Roles[role]
	if !ok {
		return 0
	}
	return rk.Threshold
}

// KeyIDsFor returns the key IDs authorised to sign the given role.
func (r *Root) KeyIDsFor(role RoleKind) []string {
	return r.Roles[role].KeyIDs
}

// Target describes a single named, sized, hashed artefact.
type Target struct {
	Filename string       `json:"filename"`
	Length   int64        `json:"length"`
	Hashes   map[string]string `json:"hashes"`
	Custom   TargetCustom `json:"custom,omitempty"`
}

// TargetCustom carries Director-specific metadata attached to a Target.
type TargetCustom struct {
	ECUIdentifiers  map[EcuSerial]HardwareIdentifier `json:"ecuIdentifiers,omitempty"`
	TargetFormat    string                           `json:"targetFormat,omitempty"`
	OperationResult *OperationResult                 `json:"operation_result,omitempty"`
}

// Targets is the parsed body of a Targets role document.
type Targets struct {
	Type    string            `json:"_type"`
	Version int               `json:"version"`
	Expires time.Time         `json:"expires"`
	Targets map[string]Target `json:"targets"`
}

// Timestamp is the parsed body of a Timestamp role document: it pins the
// Snapshot file's version and hash.
type Timestamp struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires time.Time           `json:"expires"`
	Meta    map[string]FileMeta `json:"meta"` // key "snapshot.json"
}

// Snapshot is the parsed body of a Snapshot role document: it lists the
// version of every other role in its repository.
type Snapshot struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires time.Time           `json:"expires"`
	Meta    map[string]FileMeta `json:"meta"` // keys "root.json", "targets.json", ...
}

// FileMeta records the version and optional hash/length of a referenced
// metadata file, as used by Timestamp and Snapshot.
type FileMeta struct {
	Version int               `json:"version"`
	Length  int64             `json:"length,omitempty"`
	Hashes  map[string]string `json:"hashes,omitempty"`
}

// EcuSerial is an opaque identifier for an ECU, compared byte-wise.
type EcuSerial string

// UnknownEcuSerial is the distinguished sentinel for "no serial known".
const UnknownEcuSerial EcuSerial = ""

// HardwareIdentifier is an opaque identifier for a hardware platform.
type HardwareIdentifier string

// UnknownHardwareIdentifier is the distinguished sentinel for "no hardware id known".
const UnknownHardwareIdentifier HardwareIdentifier = ""

// EcuRole describes how deeply an ECU participates in Uptane verification.
type EcuRole string

const (
	EcuRoleLegacy        EcuRole = "legacy"
	EcuRoleUptaneFull    EcuRole = "uptane-full"
	EcuRoleUptanePartial EcuRole = "uptane-partial"
)

// EcuRecord is a registered ECU. Created at provisioning time, never
// mutated once registered, removable only via a re-provision.
type EcuRecord struct {
	Serial    EcuSerial          `json:"serial"`
	HwID      HardwareIdentifier `json:"hw_id"`
	IsPrimary bool               `json:"is_primary"`
	PublicKey PublicKey          `json:"public_key"`
	Role      EcuRole            `json:"role"`
	Transport string             `json:"transport"`
}

// MisconfiguredState tags an ECU observed on the bus but not (or no
// longer) matching the registered roster.
type MisconfiguredState string

const (
	MisconfiguredOld           MisconfiguredState = "old"
	MisconfiguredNotRegistered MisconfiguredState = "not_registered"
)

// MisconfiguredEcu records an ECU the bus observed that does not match the
// registered roster.
type MisconfiguredEcu struct {
	Serial     EcuSerial          `json:"serial"`
	State      MisconfiguredState `json:"state"`
	ObservedAt time.Time          `json:"observed_at"`
}

// InstalledVersion is one entry of the append-only installed-version log.
type InstalledVersion struct {
	EcuSerial      EcuSerial         `json:"ecu_serial"`
	TargetFilename string            `json:"target_filename"`
	Hashes         map[string]string `json:"hashes"`
	Length         int64             `json:"length"`
	InstalledAt    time.Time         `json:"installed_at"`
}

// ResultCode is the outcome of an install or validation attempt.
type ResultCode string

const (
	ResultOk               ResultCode = "ok"
	ResultInstallFailed    ResultCode = "install_failed"
	ResultValidationFailed ResultCode = "validation_failed"
	ResultAlreadyProcessed ResultCode = "already_processed"
	ResultInProgress       ResultCode = "in_progress"
)

// OperationResult reports the outcome of an install/validation attempt for
// a single target.
type OperationResult struct {
	TargetFilename string     `json:"target_filename"`
	ResultCode     ResultCode `json:"result_code"`
	ResultText     string     `json:"result_text"`
}

// EcuVersionManifestBody is the inner, per-ECU signed report aggregated
// into the vehicle version manifest.
type EcuVersionManifestBody struct {
	EcuSerial          EcuSerial        `json:"ecu_serial"`
	InstalledImage     Target           `json:"installed_image"`
	PreviousTimeserver string           `json:"previous_timeserver_time,omitempty"`
	OperationResult    *OperationResult `json:"custom,omitempty"`
}

// VehicleManifestBody is the outer manifest body, keyed by primary ECU
// serial and aggregating per-ECU signed inner reports.
type VehicleManifestBody struct {
	PrimaryEcuSerial    EcuSerial                    `json:"primary_ecu_serial"`
	EcuVersionManifests map[EcuSerial]SignedDocument `json:"ecu_version_manifests"`
}
