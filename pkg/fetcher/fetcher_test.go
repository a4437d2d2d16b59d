package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/nimbus-ota/pkg/store"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
	"github.com/stretchr/testify/require"
)

func TestFetchRoleLatestAndVersioned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/director/root.json":
			w.Write([]byte("latest-root"))
		case "/director/2.root.json":
			w.Write([]byte("root-v2"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := New(srv.URL+"/director", srv.URL+"/images")

	data, err := f.FetchRole(context.Background(), types.RepoDirector, types.RoleRoot, 0)
	require.NoError(t, err)
	require.Equal(t, "latest-root", string(data))

	data, err = f.FetchRole(context.Background(), types.RepoDirector, types.RoleRoot, 2)
	require.NoError(t, err)
	require.Equal(t, "root-v2", string(data))
}

func TestFetchRoleNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL)
	_, err := f.FetchRole(context.Background(), types.RepoDirector, types.RoleTargets, 0)
	require.Error(t, err)
	kind, ok := uptaneerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, uptaneerr.MissingRepo, kind)
}

func TestFetchRoleTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, DefaultTimestampCap+1))
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL)
	_, err := f.FetchRole(context.Background(), types.RepoImages, types.RoleTimestamp, 0)
	require.Error(t, err)
	kind, ok := uptaneerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, uptaneerr.TooLarge, kind)
}

func TestFetchVerifyTargetSuccess(t *testing.T) {
	payload := []byte("firmware-bytes")
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL)
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	target := types.Target{
		Filename: "image.bin",
		Length:   int64(len(payload)),
		Hashes:   map[string]string{"sha256": hash},
	}

	require.NoError(t, f.FetchVerifyTarget(context.Background(), st, target, false))

	r, err := st.OpenTargetFile("image.bin")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFetchVerifyTargetHashMismatch(t *testing.T) {
	payload := []byte("firmware-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL)
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	target := types.Target{
		Filename: "image.bin",
		Length:   int64(len(payload)),
		Hashes:   map[string]string{"sha256": "0000000000000000000000000000000000000000000000000000000000000"},
	}

	err = f.FetchVerifyTarget(context.Background(), st, target, false)
	require.Error(t, err)
	kind, ok := uptaneerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, uptaneerr.MismatchedTargets, kind)

	_, err = st.OpenTargetFile("image.bin")
	require.Error(t, err, "mismatched target must not be visible")
}

func TestFetchVerifyTargetExceedsLength(t *testing.T) {
	payload := []byte("this payload is too long for the declared length")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := New(srv.URL, srv.URL)
	st, err := store.NewFSStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	target := types.Target{
		Filename: "image.bin",
		Length:   4,
		Hashes:   map[string]string{"sha256": "irrelevant"},
	}

	err = f.FetchVerifyTarget(context.Background(), st, target, false)
	require.Error(t, err)
	kind, ok := uptaneerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, uptaneerr.TooLarge, kind)
}
