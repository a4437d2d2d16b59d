package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/nimbus-ota/pkg/types"
)

// FSStore is a Store backed by the directory layout described for the
// filesystem persisted-state variant: versioned files for Root (both
// repositories) and Images Targets, single unversioned files for
// Timestamp, Snapshot and Director Targets, and every write going through
// an atomic temp-file-then-rename so a reader never observes a partial
// file.
type FSStore struct {
	root string
}

// NewFSStore creates (if absent) the directory tree rooted at root and
// returns a Store over it.
func NewFSStore(root string) (*FSStore, error) {
	s := &FSStore{root: root}
	for _, dir := range []string{
		filepath.Join(root, "metadata", "director"),
		filepath.Join(root, "metadata", "repo"),
		filepath.Join(root, "targets"),
	} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *FSStore) Close() error { return nil }

// atomicWrite writes data to path via a temp file in the same directory
// followed by an fsync and rename, so a crash never leaves a partial file
// visible under path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func repoDirName(repo types.RepositoryKind) string {
	if repo == types.RepoDirector {
		return "director"
	}
	return "repo"
}

// versionedRole reports whether role retains one file per version for
// repo, matching the literal filename set in the persisted layout.
func versionedRole(repo types.RepositoryKind, role types.RoleKind) bool {
	if role == types.RoleRoot {
		return true
	}
	if role == types.RoleTargets && repo == types.RepoImages {
		return true
	}
	return false
}

func (s *FSStore) roleDir(repo types.RepositoryKind) string {
	return filepath.Join(s.root, "metadata", repoDirName(repo))
}

func (s *FSStore) rolePath(repo types.RepositoryKind, role types.RoleKind, version int) string {
	if versionedRole(repo, role) {
		return filepath.Join(s.roleDir(repo), fmt.Sprintf("%d.%s.json", version, role))
	}
	return filepath.Join(s.roleDir(repo), fmt.Sprintf("%s.json", role))
}

func (s *FSStore) latestVersion(repo types.RepositoryKind, role types.RoleKind) (int, bool) {
	entries, err := os.ReadDir(s.roleDir(repo))
	if err != nil {
		return 0, false
	}
	suffix := "." + string(role) + ".json"
	best := 0
	found := false
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, suffix))
		if err != nil {
			continue
		}
		if n > best {
			best = n
			found = true
		}
	}
	return best, found
}

func (s *FSStore) StoreRole(repo types.RepositoryKind, role types.RoleKind, version int, data []byte) error {
	return atomicWrite(s.rolePath(repo, role, version), data)
}

func (s *FSStore) LoadRole(repo types.RepositoryKind, role types.RoleKind, version int) ([]byte, bool, error) {
	v := version
	if versionedRole(repo, role) && v == 0 {
		latest, ok := s.latestVersion(repo, role)
		if !ok {
			return nil, false, nil
		}
		v = latest
	}
	data, err := os.ReadFile(s.rolePath(repo, role, v))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *FSStore) ClearNonRootMeta(repo types.RepositoryKind) error {
	dir := s.roleDir(repo)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".root.json") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *FSStore) StoreTLSCreds(ca, cert, pkey []byte) error {
	if err := atomicWrite(filepath.Join(s.root, "tls_cacert"), ca); err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(s.root, "tls_clientcert"), cert); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.root, "tls_pkey"), pkey)
}

func (s *FSStore) LoadTLSCreds() (ca, cert, pkey []byte, ok bool, err error) {
	ca, err = os.ReadFile(filepath.Join(s.root, "tls_cacert"))
	if os.IsNotExist(err) {
		return nil, nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, nil, false, err
	}
	cert, err = os.ReadFile(filepath.Join(s.root, "tls_clientcert"))
	if err != nil {
		return nil, nil, nil, false, err
	}
	pkey, err = os.ReadFile(filepath.Join(s.root, "tls_pkey"))
	if err != nil {
		return nil, nil, nil, false, err
	}
	return ca, cert, pkey, true, nil
}

func (s *FSStore) ClearTLSCreds() error {
	for _, name := range []string{"tls_cacert", "tls_clientcert", "tls_pkey"} {
		if err := os.Remove(filepath.Join(s.root, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *FSStore) StorePrimaryKeys(pub, priv []byte) error {
	if err := atomicWrite(filepath.Join(s.root, "uptane_public_key"), pub); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.root, "uptane_private_key"), priv)
}

func (s *FSStore) LoadPrimaryKeys() (pub, priv []byte, ok bool, err error) {
	pub, err = os.ReadFile(filepath.Join(s.root, "uptane_public_key"))
	if os.IsNotExist(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	priv, err = os.ReadFile(filepath.Join(s.root, "uptane_private_key"))
	if err != nil {
		return nil, nil, false, err
	}
	return pub, priv, true, nil
}

func (s *FSStore) StoreEcuSerials(ecus []types.EcuRecord) error {
	data, err := json.Marshal(ecus)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.root, "secondaries_list"), data)
}

func (s *FSStore) LoadEcuSerials() ([]types.EcuRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "secondaries_list"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ecus []types.EcuRecord
	if err := json.Unmarshal(data, &ecus); err != nil {
		return nil, err
	}
	return ecus, nil
}

func (s *FSStore) StoreMisconfiguredEcus(ecus []types.MisconfiguredEcu) error {
	data, err := json.Marshal(ecus)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.root, "misconfigured_ecus"), data)
}

func (s *FSStore) LoadMisconfiguredEcus() ([]types.MisconfiguredEcu, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "misconfigured_ecus"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ecus []types.MisconfiguredEcu
	if err := json.Unmarshal(data, &ecus); err != nil {
		return nil, err
	}
	return ecus, nil
}

// installedVersionsPath is a single JSON object keyed by target_name, per
// the persisted layout.
func (s *FSStore) installedVersionsPath() string {
	return filepath.Join(s.root, "installed_versions")
}

func (s *FSStore) AppendInstalledVersion(v types.InstalledVersion) error {
	existing, err := s.LoadInstalledVersions()
	if err != nil {
		return err
	}
	existing = append(existing, v)
	byName := make(map[string]types.InstalledVersion, len(existing))
	order := make([]string, 0, len(existing))
	for _, iv := range existing {
		if _, seen := byName[iv.TargetFilename]; !seen {
			order = append(order, iv.TargetFilename)
		}
		byName[iv.TargetFilename] = iv
	}
	sort.Strings(order)
	out := make(map[string]types.InstalledVersion, len(byName))
	for _, name := range order {
		out[name] = byName[name]
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return atomicWrite(s.installedVersionsPath(), data)
}

func (s *FSStore) LoadInstalledVersions() ([]types.InstalledVersion, error) {
	data, err := os.ReadFile(s.installedVersionsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var byName map[string]types.InstalledVersion
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]types.InstalledVersion, 0, len(names))
	for _, name := range names {
		out = append(out, byName[name])
	}
	return out, nil
}

func (s *FSStore) IsProvisioned() (bool, error) {
	_, err := os.Stat(filepath.Join(s.root, "is_registered"))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FSStore) MarkProvisioned() error {
	return atomicWrite(filepath.Join(s.root, "is_registered"), []byte("1"))
}

func (s *FSStore) SchemaVersion() (int, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "schema_version"))
	if os.IsNotExist(err) {
		if err := atomicWrite(filepath.Join(s.root, "schema_version"), []byte(strconv.Itoa(CurrentSchemaVersion))); err != nil {
			return 0, err
		}
		return CurrentSchemaVersion, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// fsTargetWriteHandle writes to a .partial sidecar file and enforces the
// declared size cap; Commit renames it into place, Discard removes it.
type fsTargetWriteHandle struct {
	path        string
	partialPath string
	file        *os.File
	size        int64
	written     int64
}

func (h *fsTargetWriteHandle) Write(p []byte) (int, error) {
	if h.written+int64(len(p)) > h.size {
		return 0, fmt.Errorf("target write exceeds allocated size %d", h.size)
	}
	n, err := h.file.Write(p)
	h.written += int64(n)
	return n, err
}

func (h *fsTargetWriteHandle) Commit() error {
	if err := h.file.Sync(); err != nil {
		h.file.Close()
		return err
	}
	if err := h.file.Close(); err != nil {
		return err
	}
	return os.Rename(h.partialPath, h.path)
}

func (h *fsTargetWriteHandle) Discard() error {
	h.file.Close()
	return os.Remove(h.partialPath)
}

func (s *FSStore) AllocateTargetFile(fromDirector bool, filename string, size int64) (TargetWriteHandle, error) {
	targetsDir := filepath.Join(s.root, "targets")
	path := filepath.Join(targetsDir, filename)
	partialPath := path + ".partial"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.Create(partialPath)
	if err != nil {
		return nil, fmt.Errorf("create partial target file: %w", err)
	}
	return &fsTargetWriteHandle{path: path, partialPath: partialPath, file: f, size: size}, nil
}

func (s *FSStore) OpenTargetFile(filename string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, "targets", filename))
}
