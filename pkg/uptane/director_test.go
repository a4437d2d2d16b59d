package uptane

import (
	"testing"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptaneerr"
)

func TestDirectorInitRootAccepts(t *testing.T) {
	k1 := newTestKey(t)
	root := newRoot(1, farFuture, 1, k1)
	data := sign(t, root, k1)

	d := NewDirectorRepo()
	got, err := d.InitRoot(data)
	if err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
	if d.RootVersion() != 1 {
		t.Fatalf("RootVersion() = %d, want 1", d.RootVersion())
	}
}

func TestDirectorInitRootUnmetThreshold(t *testing.T) {
	k1 := newTestKey(t)
	k2 := newTestKey(t)
	root := newRoot(1, farFuture, 2, k1, k2)
	data := sign(t, root, k1) // only one of two required signatures

	d := NewDirectorRepo()
	_, err := d.InitRoot(data)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	kind, ok := uptaneerr.KindOf(err)
	if !ok || kind != uptaneerr.UnmetThreshold {
		t.Fatalf("got kind %v, want UnmetThreshold", kind)
	}
}

func TestDirectorInitRootUnknownSignatureMethod(t *testing.T) {
	k1 := newTestKey(t)
	root := newRoot(1, farFuture, 1, k1)
	data := sign(t, root, k1)

	// Corrupt the signature method so verification cannot recognise the scheme.
	data = replaceJSON(t, data, `"method":"ed25519"`, `"method":"made-up-method"`)

	d := NewDirectorRepo()
	_, err := d.InitRoot(data)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	kind, ok := uptaneerr.KindOf(err)
	if !ok || kind != uptaneerr.UnmetThreshold {
		t.Fatalf("got kind %v, want UnmetThreshold (zero signatures verify under an unknown method)", kind)
	}
}

func TestDirectorRootRotationAdvancesByOne(t *testing.T) {
	k1 := newTestKey(t)
	k2 := newTestKey(t)
	root1 := newRoot(1, farFuture, 1, k1)
	d := NewDirectorRepo()
	if _, err := d.InitRoot(sign(t, root1, k1)); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}

	root2 := newRoot(2, farFuture, 1, k2)
	data2 := sign(t, root2, k1, k2) // signed by both old and new keys
	got, err := d.VerifyRoot(data2)
	if err != nil {
		t.Fatalf("VerifyRoot: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}
}

func TestDirectorRootRotationSkipsVersionIsRollback(t *testing.T) {
	k1 := newTestKey(t)
	root1 := newRoot(1, farFuture, 1, k1)
	d := NewDirectorRepo()
	if _, err := d.InitRoot(sign(t, root1, k1)); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}

	root3 := newRoot(3, farFuture, 1, k1)
	_, err := d.VerifyRoot(sign(t, root3, k1))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	kind, ok := uptaneerr.KindOf(err)
	if !ok || kind != uptaneerr.RollbackAttack {
		t.Fatalf("got kind %v, want RollbackAttack", kind)
	}
}

func TestDirectorRootRotationRequiresCrossSigning(t *testing.T) {
	k1 := newTestKey(t)
	k2 := newTestKey(t)
	root1 := newRoot(1, farFuture, 1, k1)
	d := NewDirectorRepo()
	if _, err := d.InitRoot(sign(t, root1, k1)); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}

	root2 := newRoot(2, farFuture, 1, k2)
	// Only the new key signs; the old Root's key set never attests to this rotation.
	_, err := d.VerifyRoot(sign(t, root2, k2))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	kind, ok := uptaneerr.KindOf(err)
	if !ok || kind != uptaneerr.UnmetThreshold {
		t.Fatalf("got kind %v, want UnmetThreshold", kind)
	}
}

func TestDirectorVerifyTargetsNoopOnEqualVersion(t *testing.T) {
	k1 := newTestKey(t)
	root := newRoot(1, farFuture, 1, k1)
	d := NewDirectorRepo()
	if _, err := d.InitRoot(sign(t, root, k1)); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}

	targets := types.Targets{Type: "targets", Version: 1, Expires: farFuture, Targets: map[string]types.Target{
		"firmware.bin": {Filename: "firmware.bin", Length: 100, Hashes: map[string]string{"sha256": "abc"}},
	}}
	data := sign(t, targets, k1)

	res, err := d.VerifyTargets(data, time.Now())
	if err != nil {
		t.Fatalf("first VerifyTargets: %v", err)
	}
	if !res.Changed {
		t.Fatal("first call should report Changed=true")
	}

	res2, err := d.VerifyTargets(data, time.Now())
	if err != nil {
		t.Fatalf("second VerifyTargets: %v", err)
	}
	if res2.Changed {
		t.Fatal("repeated identical version should report Changed=false")
	}
}

func TestDirectorVerifyTargetsRollback(t *testing.T) {
	k1 := newTestKey(t)
	root := newRoot(1, farFuture, 1, k1)
	d := NewDirectorRepo()
	if _, err := d.InitRoot(sign(t, root, k1)); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}

	targetsV2 := types.Targets{Type: "targets", Version: 2, Expires: farFuture, Targets: map[string]types.Target{}}
	if _, err := d.VerifyTargets(sign(t, targetsV2, k1), time.Now()); err != nil {
		t.Fatalf("VerifyTargets v2: %v", err)
	}

	targetsV1 := types.Targets{Type: "targets", Version: 1, Expires: farFuture, Targets: map[string]types.Target{}}
	_, err := d.VerifyTargets(sign(t, targetsV1, k1), time.Now())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	kind, ok := uptaneerr.KindOf(err)
	if !ok || kind != uptaneerr.RollbackAttack {
		t.Fatalf("got kind %v, want RollbackAttack", kind)
	}
}

func TestDirectorVerifyTargetsExpired(t *testing.T) {
	k1 := newTestKey(t)
	root := newRoot(1, farFuture, 1, k1)
	d := NewDirectorRepo()
	if _, err := d.InitRoot(sign(t, root, k1)); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}

	targets := types.Targets{Type: "targets", Version: 1, Expires: farPast, Targets: map[string]types.Target{}}
	_, err := d.VerifyTargets(sign(t, targets, k1), time.Now())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	kind, ok := uptaneerr.KindOf(err)
	if !ok || kind != uptaneerr.ExpiredMetadata {
		t.Fatalf("got kind %v, want ExpiredMetadata", kind)
	}
}
