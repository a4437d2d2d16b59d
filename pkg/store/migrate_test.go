package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestMigrateFilesystemToDB(t *testing.T) {
	fsRoot := t.TempDir()
	fs, err := NewFSStore(fsRoot)
	require.NoError(t, err)

	require.NoError(t, fs.StoreRole(types.RepoDirector, types.RoleRoot, 1, []byte("director-root-v1")))
	require.NoError(t, fs.StoreRole(types.RepoDirector, types.RoleRoot, 2, []byte("director-root-v2")))
	require.NoError(t, fs.StoreRole(types.RepoDirector, types.RoleTargets, 1, []byte("director-targets-v1")))
	require.NoError(t, fs.StoreRole(types.RepoImages, types.RoleRoot, 1, []byte("images-root-v1")))
	require.NoError(t, fs.StoreRole(types.RepoImages, types.RoleTimestamp, 1, []byte("images-ts-v1")))
	require.NoError(t, fs.StoreRole(types.RepoImages, types.RoleSnapshot, 1, []byte("images-snap-v1")))
	require.NoError(t, fs.StoreRole(types.RepoImages, types.RoleTargets, 1, []byte("images-targets-v1")))
	require.NoError(t, fs.StoreTLSCreds([]byte("ca"), []byte("cert"), []byte("pkey")))
	require.NoError(t, fs.StorePrimaryKeys([]byte("pub"), []byte("priv")))
	require.NoError(t, fs.StoreEcuSerials([]types.EcuRecord{{Serial: "primary", IsPrimary: true}}))
	require.NoError(t, fs.AppendInstalledVersion(types.InstalledVersion{TargetFilename: "a.bin"}))
	require.NoError(t, fs.MarkProvisioned())

	handle, err := fs.AllocateTargetFile(false, "image.bin", 4)
	require.NoError(t, err)
	_, err = handle.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, handle.Commit())
	require.NoError(t, fs.Close())

	boltDir := t.TempDir()
	boltPath := filepath.Join(boltDir, "nimbus.db")

	require.NoError(t, MigrateFilesystemToDB(fsRoot, boltPath))

	_, err = os.Stat(fsRoot)
	require.True(t, os.IsNotExist(err), "source directory must be removed after successful migration")

	bolt, err := NewBoltStore(boltDir)
	require.NoError(t, err)
	defer bolt.Close()

	data, ok, err := bolt.LoadRole(types.RepoDirector, types.RoleRoot, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "director-root-v1", string(data))

	data, ok, err = bolt.LoadRole(types.RepoDirector, types.RoleRoot, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "director-root-v2", string(data))

	data, ok, err = bolt.LoadRole(types.RepoImages, types.RoleTimestamp, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "images-ts-v1", string(data))

	ca, cert, pkey, ok, err := bolt.LoadTLSCreds()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ca", string(ca))
	require.Equal(t, "cert", string(cert))
	require.Equal(t, "pkey", string(pkey))

	pub, priv, ok, err := bolt.LoadPrimaryKeys()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pub", string(pub))
	require.Equal(t, "priv", string(priv))

	ecus, err := bolt.LoadEcuSerials()
	require.NoError(t, err)
	require.Len(t, ecus, 1)
	require.Equal(t, types.EcuSerial("primary"), ecus[0].Serial)

	installed, err := bolt.LoadInstalledVersions()
	require.NoError(t, err)
	require.Len(t, installed, 1)

	provisioned, err := bolt.IsProvisioned()
	require.NoError(t, err)
	require.True(t, provisioned)

	reader, err := bolt.OpenTargetFile("image.bin")
	require.NoError(t, err)
	defer reader.Close()
}
