package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cuemby/nimbus-ota/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// MigrateFilesystemToDB reads the legacy filesystem-rooted layout at
// fsPath and ingests every entity into a fresh BoltDB file at boltPath in
// one transaction, matching this codebase's own database-migration
// tool's "one bucket-copying transaction" shape. Unlike that tool, which
// preserves its source bucket for manual rollback, this migration deletes
// the source directory once the destination commit has succeeded, since
// the filesystem layout has no equivalent of "keep the old bucket around".
func MigrateFilesystemToDB(fsPath, boltPath string) error {
	fs, err := NewFSStore(fsPath)
	if err != nil {
		return fmt.Errorf("open source fs store: %w", err)
	}
	defer fs.Close()

	dest, err := NewBoltStore(filepath.Dir(boltPath))
	if err != nil {
		return fmt.Errorf("open destination bolt store: %w", err)
	}
	defer dest.Close()

	if err := dest.Update(func(tx *bolt.Tx) error {
		return ingestFilesystem(tx, fs, fsPath)
	}); err != nil {
		return err
	}

	return os.RemoveAll(fsPath)
}

// ingestFilesystem copies every entity in fs into tx. All writes land in
// the one transaction MigrateFilesystemToDB opened, so a failure partway
// through rolls the whole destination back rather than leaving a partial
// entity set committed.
func ingestFilesystem(tx *bolt.Tx, fs *FSStore, fsPath string) error {
	if err := copyRoleTreeTx(tx, fs, types.RepoDirector, []types.RoleKind{types.RoleRoot, types.RoleTargets}); err != nil {
		return err
	}
	if err := copyRoleTreeTx(tx, fs, types.RepoImages, []types.RoleKind{
		types.RoleRoot, types.RoleTimestamp, types.RoleSnapshot, types.RoleTargets,
	}); err != nil {
		return err
	}

	if ca, cert, pkey, ok, err := fs.LoadTLSCreds(); err != nil {
		return fmt.Errorf("load tls creds: %w", err)
	} else if ok {
		if err := storeTLSCredsTx(tx, ca, cert, pkey); err != nil {
			return fmt.Errorf("store tls creds: %w", err)
		}
	}

	if pub, priv, ok, err := fs.LoadPrimaryKeys(); err != nil {
		return fmt.Errorf("load primary keys: %w", err)
	} else if ok {
		if err := storePrimaryKeysTx(tx, pub, priv); err != nil {
			return fmt.Errorf("store primary keys: %w", err)
		}
	}

	ecus, err := fs.LoadEcuSerials()
	if err != nil {
		return fmt.Errorf("load ecu serials: %w", err)
	}
	if len(ecus) > 0 {
		data, err := json.Marshal(ecus)
		if err != nil {
			return fmt.Errorf("encode ecu serials: %w", err)
		}
		if err := storeEcuSerialsTx(tx, data); err != nil {
			return fmt.Errorf("store ecu serials: %w", err)
		}
	}

	misconfigured, err := fs.LoadMisconfiguredEcus()
	if err != nil {
		return fmt.Errorf("load misconfigured ecus: %w", err)
	}
	if len(misconfigured) > 0 {
		data, err := json.Marshal(misconfigured)
		if err != nil {
			return fmt.Errorf("encode misconfigured ecus: %w", err)
		}
		if err := storeMisconfiguredEcusTx(tx, data); err != nil {
			return fmt.Errorf("store misconfigured ecus: %w", err)
		}
	}

	installed, err := fs.LoadInstalledVersions()
	if err != nil {
		return fmt.Errorf("load installed versions: %w", err)
	}
	for _, v := range installed {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode installed version %s: %w", v.TargetFilename, err)
		}
		if err := appendInstalledVersionTx(tx, data); err != nil {
			return fmt.Errorf("append installed version %s: %w", v.TargetFilename, err)
		}
	}

	if provisioned, err := fs.IsProvisioned(); err != nil {
		return fmt.Errorf("load provisioned flag: %w", err)
	} else if provisioned {
		if err := markProvisionedTx(tx); err != nil {
			return fmt.Errorf("mark provisioned: %w", err)
		}
	}

	if err := copyTargetFilesTx(tx, fsPath); err != nil {
		return err
	}

	return nil
}

// copyRoleTreeTx copies every stored version of each listed role from fs
// into tx. For versioned roles this walks every version present on disk,
// not just the latest, so Root rotation history survives the migration.
func copyRoleTreeTx(tx *bolt.Tx, fs *FSStore, repo types.RepositoryKind, roles []types.RoleKind) error {
	for _, role := range roles {
		if !versionedRole(repo, role) {
			data, ok, err := fs.LoadRole(repo, role, 0)
			if err != nil {
				return fmt.Errorf("load %s/%s: %w", repo, role, err)
			}
			if !ok {
				continue
			}
			if err := storeRoleTx(tx, repo, role, 0, data); err != nil {
				return fmt.Errorf("store %s/%s: %w", repo, role, err)
			}
			continue
		}

		entries, err := os.ReadDir(fs.roleDir(repo))
		if err != nil {
			return fmt.Errorf("read role dir for %s: %w", repo, err)
		}
		suffix := "." + string(role) + ".json"
		for _, e := range entries {
			name := e.Name()
			if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
				continue
			}
			version, err := strconv.Atoi(name[:len(name)-len(suffix)])
			if err != nil {
				continue
			}
			data, ok, err := fs.LoadRole(repo, role, version)
			if err != nil {
				return fmt.Errorf("load %s/%s v%d: %w", repo, role, version, err)
			}
			if !ok {
				continue
			}
			if err := storeRoleTx(tx, repo, role, version, data); err != nil {
				return fmt.Errorf("store %s/%s v%d: %w", repo, role, version, err)
			}
		}
	}
	return nil
}

func copyTargetFilesTx(tx *bolt.Tx, fsPath string) error {
	targetsDir := filepath.Join(fsPath, "targets")
	entries, err := os.ReadDir(targetsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read targets dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(targetsDir, e.Name()))
		if err != nil {
			return fmt.Errorf("read target file %s: %w", e.Name(), err)
		}
		if err := putTargetFileTx(tx, e.Name(), data); err != nil {
			return fmt.Errorf("write target file %s: %w", e.Name(), err)
		}
	}
	return nil
}
