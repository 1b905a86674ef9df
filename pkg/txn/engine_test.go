package txn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/deploy"
	"github.com/cuemby/conary/pkg/resolver"
	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *storage.BoltStore, *cas.Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	installRoot := t.TempDir()

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	casStore, err := cas.New(dataDir)
	if err != nil {
		t.Fatalf("cas.New() error = %v", err)
	}
	deployer := deploy.New(installRoot, casStore)
	journalDir := filepath.Join(dataDir, "journal")
	snapshotDir := filepath.Join(dataDir, "snapshots")
	engine := New(store, casStore, deployer, journalDir, snapshotDir, nil)
	return engine, store, casStore, installRoot
}

func installPlan(t *testing.T, casStore *cas.Store, name, version, path, content string) *TrovePlan {
	t.Helper()
	hash, err := casStore.Store([]byte(content))
	if err != nil {
		t.Fatalf("cas.Store() error = %v", err)
	}
	return &TrovePlan{
		Trove: &types.Trove{Name: name, Version: version, Architecture: "x86_64", Type: types.TroveTypePackage, InstallReason: types.InstallReasonExplicit},
		Files: []FileSpec{{Path: path, Mode: 0o644, Hash: hash}},
	}
}

func TestApplyFreshInstallDeploysFileAndCreatesTrove(t *testing.T) {
	engine, store, casStore, installRoot := newTestEngine(t)
	plan := installPlan(t, casStore, "foo", "1.0", "/usr/bin/foo", "hello")

	req := Request{
		Description: "install foo",
		Plan:        []resolver.PlanEntry{{Op: resolver.OpInstall, Name: "foo", ToVersion: "1.0"}},
		Packages:    map[string]*TrovePlan{"foo": plan},
	}
	changeset, err := engine.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if changeset.Status != types.ChangesetApplied {
		t.Errorf("Status = %s, want %s", changeset.Status, types.ChangesetApplied)
	}

	data, err := os.ReadFile(filepath.Join(installRoot, "usr/bin/foo"))
	if err != nil {
		t.Fatalf("deployed file missing: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("deployed content = %q, want %q", data, "hello")
	}

	trove, err := store.GetTroveByNVA("foo", "1.0", "x86_64")
	if err != nil || trove == nil {
		t.Fatalf("GetTroveByNVA() = %v, %v, want a row", trove, err)
	}
	if trove.InstalledByChangeset != changeset.ID {
		t.Errorf("InstalledByChangeset = %d, want %d", trove.InstalledByChangeset, changeset.ID)
	}
}

func TestApplyRemoveDeletesFileAndTrove(t *testing.T) {
	engine, store, casStore, installRoot := newTestEngine(t)
	plan := installPlan(t, casStore, "foo", "1.0", "/usr/bin/foo", "hello")
	req := Request{
		Plan:     []resolver.PlanEntry{{Op: resolver.OpInstall, Name: "foo", ToVersion: "1.0"}},
		Packages: map[string]*TrovePlan{"foo": plan},
	}
	if _, err := engine.Apply(context.Background(), req); err != nil {
		t.Fatalf("install Apply() error = %v", err)
	}

	removeReq := Request{
		Plan:     []resolver.PlanEntry{{Op: resolver.OpRemove, Name: "foo", FromVersion: "1.0"}},
		Packages: map[string]*TrovePlan{},
	}
	if _, err := engine.Apply(context.Background(), removeReq); err != nil {
		t.Fatalf("remove Apply() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(installRoot, "usr/bin/foo")); !os.IsNotExist(err) {
		t.Errorf("file still present after remove, err = %v", err)
	}
	trove, err := store.GetTroveByNVA("foo", "1.0", "x86_64")
	if err != nil {
		t.Fatalf("GetTroveByNVA() error = %v", err)
	}
	if trove != nil {
		t.Errorf("trove row still present after remove")
	}
}

func TestApplyRejectsUntrackedPathOnDisk(t *testing.T) {
	engine, _, casStore, installRoot := newTestEngine(t)
	if err := os.MkdirAll(filepath.Join(installRoot, "usr/bin"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(installRoot, "usr/bin/foo"), []byte("leftover"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	plan := installPlan(t, casStore, "foo", "1.0", "/usr/bin/foo", "hello")
	req := Request{
		Plan:     []resolver.PlanEntry{{Op: resolver.OpInstall, Name: "foo", ToVersion: "1.0"}},
		Packages: map[string]*TrovePlan{"foo": plan},
	}
	if _, err := engine.Apply(context.Background(), req); err == nil {
		t.Fatalf("Apply() error = nil, want FileConflict for untracked path")
	}

	data, err := os.ReadFile(filepath.Join(installRoot, "usr/bin/foo"))
	if err != nil {
		t.Fatalf("leftover file removed or unreadable: %v", err)
	}
	if string(data) != "leftover" {
		t.Errorf("leftover file content = %q, want untouched %q", data, "leftover")
	}
}

func TestApplyMissingContentFailsPrepare(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	plan := &TrovePlan{
		Trove: &types.Trove{Name: "foo", Version: "1.0", Architecture: "x86_64"},
		Files: []FileSpec{{Path: "/usr/bin/foo", Mode: 0o644, Hash: cas.Hash("sha256:0000000000000000000000000000000000000000000000000000000000000000")}},
	}
	req := Request{
		Plan:     []resolver.PlanEntry{{Op: resolver.OpInstall, Name: "foo", ToVersion: "1.0"}},
		Packages: map[string]*TrovePlan{"foo": plan},
	}
	if _, err := engine.Apply(context.Background(), req); err == nil {
		t.Fatalf("Apply() error = nil, want missing content error")
	}
}

func TestRollbackReversesInstall(t *testing.T) {
	engine, store, casStore, installRoot := newTestEngine(t)
	plan := installPlan(t, casStore, "foo", "1.0", "/usr/bin/foo", "hello")
	req := Request{
		Plan:     []resolver.PlanEntry{{Op: resolver.OpInstall, Name: "foo", ToVersion: "1.0"}},
		Packages: map[string]*TrovePlan{"foo": plan},
	}
	installed, err := engine.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("install Apply() error = %v", err)
	}

	rolledBack, err := engine.Rollback(context.Background(), installed.ID)
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if rolledBack.Status != types.ChangesetRolledBack {
		t.Errorf("rolled-back changeset Status = %s, want %s", rolledBack.Status, types.ChangesetRolledBack)
	}

	if _, err := os.Stat(filepath.Join(installRoot, "usr/bin/foo")); !os.IsNotExist(err) {
		t.Errorf("file still present after rollback, err = %v", err)
	}
	trove, err := store.GetTroveByNVA("foo", "1.0", "x86_64")
	if err != nil {
		t.Fatalf("GetTroveByNVA() error = %v", err)
	}
	if trove != nil {
		t.Errorf("trove row still present after rollback")
	}

	original, err := store.GetChangeset(installed.ID)
	if err != nil {
		t.Fatalf("GetChangeset() error = %v", err)
	}
	if original.Status != types.ChangesetApplied {
		t.Errorf("original changeset Status = %s, want still %s", original.Status, types.ChangesetApplied)
	}
	if original.ReversedByChangeset != rolledBack.ID {
		t.Errorf("ReversedByChangeset = %d, want %d", original.ReversedByChangeset, rolledBack.ID)
	}

	if _, err := engine.Rollback(context.Background(), installed.ID); err == nil {
		t.Errorf("second Rollback() of the same changeset should fail, got nil")
	}
}
