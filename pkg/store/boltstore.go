package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/cuemby/nimbus-ota/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMetadataRoot = []byte("metadata") // nested: "<repo>:<role>" -> version buckets
	bucketTLSCreds     = []byte("tls_creds")
	bucketPrimaryKeys  = []byte("primary_keys")
	bucketEcuSerials   = []byte("ecu_serials")
	bucketMisconfig    = []byte("misconfigured_ecus")
	bucketInstalled    = []byte("installed_versions")
	bucketTargetFiles  = []byte("target_files")
	bucketMeta         = []byte("meta")

	keyLatest       = []byte("latest")
	keyCA           = []byte("ca")
	keyCert         = []byte("cert")
	keyPkey         = []byte("pkey")
	keyPub          = []byte("pub")
	keyPriv         = []byte("priv")
	keyList         = []byte("list")
	keySchemaVer    = []byte("schema_version")
	keyIsRegistered = []byte("is_registered")
)

// BoltStore is a Store backed by a single embedded BoltDB file, with one
// bucket per entity, matching this codebase's existing bucket-per-entity,
// transaction-per-call persistence idiom.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed store at
// <dataDir>/nimbus.db, creates its top-level buckets, and runs any pending
// schema migrations in a single transaction.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nimbus.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketMetadataRoot, bucketTLSCreds, bucketPrimaryKeys,
			bucketEcuSerials, bucketMisconfig, bucketInstalled,
			bucketTargetFiles, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if meta.Get(keySchemaVer) == nil {
			if err := meta.Put(keySchemaVer, encodeVersion(CurrentSchemaVersion)); err != nil {
				return err
			}
		}
		return migrateSchema(tx, meta)
	})
}

// migrateSchema applies any pending schema migrations in order, inside the
// caller's transaction. There is only one schema version today; this is
// the hook future migrations attach to.
func migrateSchema(tx *bolt.Tx, meta *bolt.Bucket) error {
	current := decodeVersion(meta.Get(keySchemaVer))
	for current < CurrentSchemaVersion {
		current++
		if err := meta.Put(keySchemaVer, encodeVersion(current)); err != nil {
			return err
		}
	}
	return nil
}

func encodeVersion(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeVersion(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}

func roleBucketKey(repo types.RepositoryKind, role types.RoleKind) []byte {
	return []byte(fmt.Sprintf("%s:%s", repo, role))
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) SchemaVersion() (int, error) {
	var v int
	err := s.db.View(func(tx *bolt.Tx) error {
		v = decodeVersion(tx.Bucket(bucketMeta).Get(keySchemaVer))
		return nil
	})
	return v, err
}

// StoreRole persists data for (repo, role, version). Root retains every
// version; other roles retain only the latest.
func (s *BoltStore) StoreRole(repo types.RepositoryKind, role types.RoleKind, version int, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return storeRoleTx(tx, repo, role, version, data)
	})
}

// storeRoleTx is StoreRole's body, usable against a transaction a caller
// already has open (see MigrateFilesystemToDB).
func storeRoleTx(tx *bolt.Tx, repo types.RepositoryKind, role types.RoleKind, version int, data []byte) error {
	parent := tx.Bucket(bucketMetadataRoot)
	rb, err := parent.CreateBucketIfNotExists(roleBucketKey(repo, role))
	if err != nil {
		return err
	}
	if role != types.RoleRoot {
		c := rb.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !bytes.Equal(k, keyLatest) {
				if err := rb.Delete(append([]byte(nil), k...)); err != nil {
					return err
				}
			}
		}
	}
	if err := rb.Put(encodeVersion(version), data); err != nil {
		return err
	}
	return rb.Put(keyLatest, encodeVersion(version))
}

func (s *BoltStore) LoadRole(repo types.RepositoryKind, role types.RoleKind, version int) ([]byte, bool, error) {
	var data []byte
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketMetadataRoot).Bucket(roleBucketKey(repo, role))
		if rb == nil {
			return nil
		}
		v := version
		if v == 0 {
			latest := rb.Get(keyLatest)
			if latest == nil {
				return nil
			}
			v = decodeVersion(latest)
		}
		raw := rb.Get(encodeVersion(v))
		if raw == nil {
			return nil
		}
		data = append([]byte(nil), raw...)
		ok = true
		return nil
	})
	return data, ok, err
}

func (s *BoltStore) ClearNonRootMeta(repo types.RepositoryKind) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketMetadataRoot)
		for _, role := range []types.RoleKind{types.RoleTargets, types.RoleTimestamp, types.RoleSnapshot} {
			key := roleBucketKey(repo, role)
			if parent.Bucket(key) != nil {
				if err := parent.DeleteBucket(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) StoreTLSCreds(ca, cert, pkey []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return storeTLSCredsTx(tx, ca, cert, pkey)
	})
}

func storeTLSCredsTx(tx *bolt.Tx, ca, cert, pkey []byte) error {
	b := tx.Bucket(bucketTLSCreds)
	if err := b.Put(keyCA, ca); err != nil {
		return err
	}
	if err := b.Put(keyCert, cert); err != nil {
		return err
	}
	return b.Put(keyPkey, pkey)
}

func (s *BoltStore) LoadTLSCreds() (ca, cert, pkey []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTLSCreds)
		rawCA, rawCert, rawPkey := b.Get(keyCA), b.Get(keyCert), b.Get(keyPkey)
		if rawCA == nil || rawCert == nil || rawPkey == nil {
			return nil
		}
		ca = append([]byte(nil), rawCA...)
		cert = append([]byte(nil), rawCert...)
		pkey = append([]byte(nil), rawPkey...)
		ok = true
		return nil
	})
	return ca, cert, pkey, ok, err
}

func (s *BoltStore) ClearTLSCreds() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTLSCreds)
		for _, k := range [][]byte{keyCA, keyCert, keyPkey} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) StorePrimaryKeys(pub, priv []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return storePrimaryKeysTx(tx, pub, priv)
	})
}

func storePrimaryKeysTx(tx *bolt.Tx, pub, priv []byte) error {
	b := tx.Bucket(bucketPrimaryKeys)
	if err := b.Put(keyPub, pub); err != nil {
		return err
	}
	return b.Put(keyPriv, priv)
}

func (s *BoltStore) LoadPrimaryKeys() (pub, priv []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrimaryKeys)
		rawPub, rawPriv := b.Get(keyPub), b.Get(keyPriv)
		if rawPub == nil || rawPriv == nil {
			return nil
		}
		pub = append([]byte(nil), rawPub...)
		priv = append([]byte(nil), rawPriv...)
		ok = true
		return nil
	})
	return pub, priv, ok, err
}

func (s *BoltStore) StoreEcuSerials(ecus []types.EcuRecord) error {
	data, err := json.Marshal(ecus)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return storeEcuSerialsTx(tx, data)
	})
}

func storeEcuSerialsTx(tx *bolt.Tx, data []byte) error {
	return tx.Bucket(bucketEcuSerials).Put(keyList, data)
}

func (s *BoltStore) LoadEcuSerials() ([]types.EcuRecord, error) {
	var ecus []types.EcuRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEcuSerials).Get(keyList)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &ecus)
	})
	return ecus, err
}

func (s *BoltStore) StoreMisconfiguredEcus(ecus []types.MisconfiguredEcu) error {
	data, err := json.Marshal(ecus)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return storeMisconfiguredEcusTx(tx, data)
	})
}

func storeMisconfiguredEcusTx(tx *bolt.Tx, data []byte) error {
	return tx.Bucket(bucketMisconfig).Put(keyList, data)
}

func (s *BoltStore) LoadMisconfiguredEcus() ([]types.MisconfiguredEcu, error) {
	var ecus []types.MisconfiguredEcu
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMisconfig).Get(keyList)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &ecus)
	})
	return ecus, err
}

func (s *BoltStore) AppendInstalledVersion(v types.InstalledVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendInstalledVersionTx(tx, data)
	})
}

func appendInstalledVersionTx(tx *bolt.Tx, data []byte) error {
	b := tx.Bucket(bucketInstalled)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put(encodeVersion(int(seq)), data)
}

func (s *BoltStore) LoadInstalledVersions() ([]types.InstalledVersion, error) {
	var out []types.InstalledVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalled)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var iv types.InstalledVersion
			if err := json.Unmarshal(v, &iv); err != nil {
				return err
			}
			out = append(out, iv)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) IsProvisioned() (bool, error) {
	var provisioned bool
	err := s.db.View(func(tx *bolt.Tx) error {
		provisioned = tx.Bucket(bucketMeta).Get(keyIsRegistered) != nil
		return nil
	})
	return provisioned, err
}

func (s *BoltStore) MarkProvisioned() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return markProvisionedTx(tx)
	})
}

func markProvisionedTx(tx *bolt.Tx) error {
	return tx.Bucket(bucketMeta).Put(keyIsRegistered, []byte{1})
}

// boltTargetWriteHandle buffers writes in memory, enforcing the declared
// size cap, and publishes to bucketTargetFiles only on Commit.
type boltTargetWriteHandle struct {
	db       *bolt.DB
	filename string
	size     int64
	buf      bytes.Buffer
}

func (h *boltTargetWriteHandle) Write(p []byte) (int, error) {
	if int64(h.buf.Len()+len(p)) > h.size {
		return 0, fmt.Errorf("target write exceeds allocated size %d", h.size)
	}
	return h.buf.Write(p)
}

func (h *boltTargetWriteHandle) Commit() error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTargetFiles).Put([]byte(h.filename), h.buf.Bytes())
	})
}

func (h *boltTargetWriteHandle) Discard() error {
	h.buf.Reset()
	return nil
}

func (s *BoltStore) AllocateTargetFile(fromDirector bool, filename string, size int64) (TargetWriteHandle, error) {
	return &boltTargetWriteHandle{db: s.db, filename: filename, size: size}, nil
}

func putTargetFileTx(tx *bolt.Tx, filename string, data []byte) error {
	return tx.Bucket(bucketTargetFiles).Put([]byte(filename), data)
}

// Update runs fn inside a single BoltDB read-write transaction, exposed so
// MigrateFilesystemToDB can ingest an entire legacy store as one atomic
// commit instead of one transaction per entity.
func (s *BoltStore) Update(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

type boltTargetReader struct {
	*bytes.Reader
}

func (boltTargetReader) Close() error { return nil }

func (s *BoltStore) OpenTargetFile(filename string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTargetFiles).Get([]byte(filename))
		if raw == nil {
			return fmt.Errorf("target file not found: %s", filename)
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return boltTargetReader{bytes.NewReader(data)}, nil
}
