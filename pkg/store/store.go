// Package store defines the transactional MetadataStore contract and its
// two concrete realisations: boltstore (a single embedded BoltDB file,
// bucket-per-entity, grounded on this codebase's existing persistence
// layer) and fsstore (a directory-rooted layout with atomic
// temp-file-then-rename writes). Both satisfy the same Store interface so
// the orchestrator and repositories never know which backend is in use.
package store

import (
	"io"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/types"
)

// TargetWriteHandle is returned by AllocateTargetFile. Write enforces
// bytes_written <= size; the file is published only on Commit. Discard, or
// never calling Commit, leaves no file visible under the target's name.
type TargetWriteHandle interface {
	io.Writer
	// Commit publishes the written bytes as filename, atomically.
	Commit() error
	// Discard abandons the write; any partial data is removed.
	Discard() error
}

// Store is the transactional contract every MetadataStore backend
// implements.
type Store interface {
	// StoreRole persists role version's bytes for repo. For Root every
	// version is retained; for other roles only the latest is kept.
	StoreRole(repo types.RepositoryKind, role types.RoleKind, version int, data []byte) error
	// LoadRole returns the bytes for the given version, or the latest if
	// version is 0. ok is false if nothing is stored.
	LoadRole(repo types.RepositoryKind, role types.RoleKind, version int) (data []byte, ok bool, err error)
	// ClearNonRootMeta removes every non-Root role for repo. Invoked after
	// any Root rotation.
	ClearNonRootMeta(repo types.RepositoryKind) error

	StoreTLSCreds(ca, cert, pkey []byte) error
	LoadTLSCreds() (ca, cert, pkey []byte, ok bool, err error)
	ClearTLSCreds() error

	StorePrimaryKeys(pub, priv []byte) error
	LoadPrimaryKeys() (pub, priv []byte, ok bool, err error)

	StoreEcuSerials(ecus []types.EcuRecord) error
	LoadEcuSerials() ([]types.EcuRecord, error)

	StoreMisconfiguredEcus(ecus []types.MisconfiguredEcu) error
	LoadMisconfiguredEcus() ([]types.MisconfiguredEcu, error)

	AppendInstalledVersion(v types.InstalledVersion) error
	LoadInstalledVersions() ([]types.InstalledVersion, error)

	AllocateTargetFile(fromDirector bool, filename string, size int64) (TargetWriteHandle, error)
	OpenTargetFile(filename string) (io.ReadCloser, error)

	// IsProvisioned reports whether device provisioning has completed.
	IsProvisioned() (bool, error)
	MarkProvisioned() error

	// SchemaVersion returns the store's current schema version.
	SchemaVersion() (int, error)

	Close() error
}

// CurrentSchemaVersion is the schema version new stores are created at and
// migrations bring older stores up to.
const CurrentSchemaVersion = 1

// now is overridable in tests; production code always uses time.Now.
var now = time.Now
