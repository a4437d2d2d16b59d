package secondary

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/types"
)

func signedRoot(t *testing.T, version int) []byte {
	t.Helper()
	root := types.Root{Version: version, Expires: time.Now().Add(time.Hour)}
	raw, err := json.Marshal(root)
	if err != nil {
		t.Fatalf("marshal root: %v", err)
	}
	doc := types.SignedDocument{Signed: raw}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	return data
}

func TestRotateRootsAdvancesThroughEveryVersion(t *testing.T) {
	v, _, err := NewVirtual("ecu1", "hw1")
	if err != nil {
		t.Fatalf("NewVirtual: %v", err)
	}
	var loaded []int
	load := func(ctx context.Context, version int) ([]byte, error) {
		loaded = append(loaded, version)
		return signedRoot(t, version), nil
	}
	if err := RotateRoots(context.Background(), v, true, 3, load); err != nil {
		t.Fatalf("RotateRoots: %v", err)
	}
	if len(loaded) != 3 || loaded[0] != 1 || loaded[2] != 3 {
		t.Fatalf("expected to load versions 1..3, got %v", loaded)
	}
	got, err := v.GetRootVersion(context.Background(), true)
	if err != nil {
		t.Fatalf("GetRootVersion: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected director root version 3, got %d", got)
	}
}

func TestRotateRootsSkipsCatchUpWhenSecondaryReportsNegativeOne(t *testing.T) {
	l, err := NewLegacy("ecu1", "hw1")
	if err != nil {
		t.Fatalf("NewLegacy: %v", err)
	}
	called := false
	load := func(ctx context.Context, version int) ([]byte, error) {
		called = true
		return nil, nil
	}
	if err := RotateRoots(context.Background(), l, true, 5, load); err != nil {
		t.Fatalf("RotateRoots: %v", err)
	}
	if called {
		t.Fatalf("load should never be called when secondary reports -1")
	}
}

func TestRotateRootsPropagatesLoadFailure(t *testing.T) {
	v, _, err := NewVirtual("ecu1", "hw1")
	if err != nil {
		t.Fatalf("NewVirtual: %v", err)
	}
	load := func(ctx context.Context, version int) ([]byte, error) {
		return nil, errors.New("fetch failed")
	}
	if err := RotateRoots(context.Background(), v, true, 1, load); err == nil {
		t.Fatalf("expected error from failing loader")
	}
}

func TestBusSendMetadataSkipsFailingSecondaryButDeliversToOthers(t *testing.T) {
	good, _, err := NewVirtual("good", "hw")
	if err != nil {
		t.Fatalf("NewVirtual good: %v", err)
	}
	bad := NewUnsupported(KindOpcUa, "bad", "hw")
	bus := &Bus{Secondaries: []Secondary{good, bad}}

	load := func(ctx context.Context, version int) ([]byte, error) {
		return signedRoot(t, version), nil
	}
	pack := MetaPack{DirectorTargets: []byte("targets")}
	affected := map[types.EcuSerial]bool{"good": true, "bad": true}
	delivered := bus.SendMetadataToEcus(context.Background(), 1, 1, load, load, pack, affected, true)

	if len(delivered) != 1 || delivered[0].Serial() != "good" {
		t.Fatalf("expected only 'good' to receive metadata, got %v", delivered)
	}
	if string(good.LastMetaPack().DirectorTargets) != "targets" {
		t.Fatalf("expected good secondary to have received the pack")
	}
}

func TestBusSendMetadataSkipsSecondariesNotInAffectedSet(t *testing.T) {
	targeted, _, err := NewVirtual("targeted", "hw")
	if err != nil {
		t.Fatalf("NewVirtual targeted: %v", err)
	}
	untouched, _, err := NewVirtual("untouched", "hw")
	if err != nil {
		t.Fatalf("NewVirtual untouched: %v", err)
	}
	bus := &Bus{Secondaries: []Secondary{targeted, untouched}}

	load := func(ctx context.Context, version int) ([]byte, error) {
		return signedRoot(t, version), nil
	}
	pack := MetaPack{DirectorTargets: []byte("targets")}
	affected := map[types.EcuSerial]bool{"targeted": true}
	delivered := bus.SendMetadataToEcus(context.Background(), 1, 1, load, load, pack, affected, true)

	if len(delivered) != 1 || delivered[0].Serial() != "targeted" {
		t.Fatalf("expected only 'targeted' to receive metadata, got %v", delivered)
	}
	if string(untouched.LastMetaPack().DirectorTargets) != "" {
		t.Fatalf("secondary outside the affected set should not have received a metadata push")
	}
}

func TestBusSendImagesSkipsSecondariesWithNoMatchingImage(t *testing.T) {
	v, _, err := NewVirtual("ecu1", "hw1")
	if err != nil {
		t.Fatalf("NewVirtual: %v", err)
	}
	bus := &Bus{Secondaries: []Secondary{v}}
	bus.SendImagesToEcus(context.Background(), map[types.EcuSerial][]byte{"other": []byte("x")})

	manifest, err := v.GetManifest(context.Background())
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	var doc types.SignedDocument
	if err := json.Unmarshal(manifest, &doc); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	var body types.EcuVersionManifestBody
	if err := json.Unmarshal(doc.Signed, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.InstalledImage.Filename != "" {
		t.Fatalf("expected no firmware installed, got %+v", body.InstalledImage)
	}
}

func TestVirtualSendFirmwareRecordedInManifest(t *testing.T) {
	v, _, err := NewVirtual("ecu1", "hw1")
	if err != nil {
		t.Fatalf("NewVirtual: %v", err)
	}
	ok, err := v.SendFirmware(context.Background(), []byte("firmware-bytes"))
	if err != nil || !ok {
		t.Fatalf("SendFirmware: ok=%v err=%v", ok, err)
	}
	manifest, err := v.GetManifest(context.Background())
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	var doc types.SignedDocument
	if err := json.Unmarshal(manifest, &doc); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if len(doc.Signatures) != 1 {
		t.Fatalf("expected exactly one signature, got %d", len(doc.Signatures))
	}
	var body types.EcuVersionManifestBody
	if err := json.Unmarshal(doc.Signed, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.InstalledImage.Length != int64(len("firmware-bytes")) {
		t.Fatalf("expected recorded length %d, got %d", len("firmware-bytes"), body.InstalledImage.Length)
	}
}

func TestLegacyPutMetadataAlwaysSucceeds(t *testing.T) {
	l, err := NewLegacy("ecu1", "hw1")
	if err != nil {
		t.Fatalf("NewLegacy: %v", err)
	}
	ok, err := l.PutMetadata(context.Background(), MetaPack{})
	if err != nil || !ok {
		t.Fatalf("expected legacy PutMetadata to succeed unconditionally, got ok=%v err=%v", ok, err)
	}
}

func TestUnsupportedFailsEveryCapability(t *testing.T) {
	u := NewUnsupported(KindIsoTp, "ecu1", "hw1")
	ctx := context.Background()

	if _, err := u.GetPublicKey(ctx); !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("GetPublicKey: expected ErrUnsupportedTransport, got %v", err)
	}
	if _, err := u.GetManifest(ctx); !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("GetManifest: expected ErrUnsupportedTransport, got %v", err)
	}
	if v, err := u.GetRootVersion(ctx, true); !errors.Is(err, ErrUnsupportedTransport) || v != -1 {
		t.Fatalf("GetRootVersion: expected (-1, ErrUnsupportedTransport), got (%d, %v)", v, err)
	}
	if ok, err := u.PutRoot(ctx, nil, true); ok || !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("PutRoot: expected (false, ErrUnsupportedTransport), got (%v, %v)", ok, err)
	}
	if ok, err := u.PutMetadata(ctx, MetaPack{}); ok || !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("PutMetadata: expected (false, ErrUnsupportedTransport), got (%v, %v)", ok, err)
	}
	if ok, err := u.SendFirmware(ctx, nil); ok || !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("SendFirmware: expected (false, ErrUnsupportedTransport), got (%v, %v)", ok, err)
	}
}

// gobFrame gob-encodes v the same way call() does, returning the frame body
// without its length prefix, so tests can play the server side of the wire
// protocol.
func gobFrame(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("gob encode: %v", err)
	}
	return buf.Bytes()
}

func TestTCPUptaneRoundTripsPutMetadata(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		if _, err := readFrame(serverConn); err != nil {
			return
		}
		resp := wireResponse{Op: opPutMetadata, Result: true}
		_ = writeFrame(serverConn, gobFrame(t, resp))
	}()

	tu := NewTCPUptane("ecu1", "hw1", clientConn, 2*time.Second)
	ok, err := tu.PutMetadata(context.Background(), MetaPack{})
	if err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}
	if !ok {
		t.Fatalf("expected PutMetadata to succeed")
	}
}

func TestTCPUptaneMismatchedResponseOpIsError(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		if _, err := readFrame(serverConn); err != nil {
			return
		}
		resp := wireResponse{Op: opGetManifest, Result: true}
		_ = writeFrame(serverConn, gobFrame(t, resp))
	}()

	tu := NewTCPUptane("ecu1", "hw1", clientConn, 2*time.Second)
	if _, err := tu.PutMetadata(context.Background(), MetaPack{}); err == nil {
		t.Fatalf("expected mismatched response op to error")
	}
}
