package storage

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/conary/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewBoltStoreCreatesDBFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "conary.db"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("conary.db not created in %s, matches = %v", dir, matches)
	}
}

func TestCreateAndGetTrove(t *testing.T) {
	s := newTestStore(t)

	tr := &types.Trove{Name: "bash", Version: "5.2-1", Architecture: "x86_64", Type: types.TroveTypePackage, InstallReason: types.InstallReasonExplicit}
	if err := s.CreateTrove(tr); err != nil {
		t.Fatalf("CreateTrove() error = %v", err)
	}
	if tr.ID == 0 {
		t.Fatal("CreateTrove() did not assign an ID")
	}

	got, err := s.GetTrove(tr.ID)
	if err != nil {
		t.Fatalf("GetTrove() error = %v", err)
	}
	if got.Name != "bash" {
		t.Errorf("Name = %q, want bash", got.Name)
	}

	byNVA, err := s.GetTroveByNVA("bash", "5.2-1", "x86_64")
	if err != nil {
		t.Fatalf("GetTroveByNVA() error = %v", err)
	}
	if byNVA.ID != tr.ID {
		t.Errorf("GetTroveByNVA() ID = %d, want %d", byNVA.ID, tr.ID)
	}
}

func TestCreateTroveDuplicateNVARejected(t *testing.T) {
	s := newTestStore(t)
	tr := &types.Trove{Name: "bash", Version: "5.2-1", Architecture: "x86_64"}
	if err := s.CreateTrove(tr); err != nil {
		t.Fatalf("CreateTrove() error = %v", err)
	}
	dup := &types.Trove{Name: "bash", Version: "5.2-1", Architecture: "x86_64"}
	if err := s.CreateTrove(dup); err == nil {
		t.Error("CreateTrove() duplicate NVA should be rejected")
	}
}

func TestDeleteTroveCascades(t *testing.T) {
	s := newTestStore(t)
	tr := &types.Trove{Name: "bash", Version: "5.2-1", Architecture: "x86_64"}
	if err := s.CreateTrove(tr); err != nil {
		t.Fatalf("CreateTrove() error = %v", err)
	}

	if err := s.CreateFileEntry(&types.FileEntry{TroveID: tr.ID, Path: "/bin/bash"}); err != nil {
		t.Fatalf("CreateFileEntry() error = %v", err)
	}
	if err := s.CreateDependencyEntry(&types.DependencyEntry{TroveID: tr.ID, DependsOnName: "glibc"}); err != nil {
		t.Fatalf("CreateDependencyEntry() error = %v", err)
	}
	if err := s.CreateProvideEntry(&types.ProvideEntry{TroveID: tr.ID, Capability: "sh"}); err != nil {
		t.Fatalf("CreateProvideEntry() error = %v", err)
	}
	if err := s.CreateScriptletEntry(&types.ScriptletEntry{TroveID: tr.ID, Phase: types.PhasePostInstall, Content: "true"}); err != nil {
		t.Fatalf("CreateScriptletEntry() error = %v", err)
	}
	if err := s.SetProvenance(&types.Provenance{TroveID: tr.ID, SourceURL: "https://example.test/bash.tar"}); err != nil {
		t.Fatalf("SetProvenance() error = %v", err)
	}

	if err := s.DeleteTrove(tr.ID); err != nil {
		t.Fatalf("DeleteTrove() error = %v", err)
	}

	if _, err := s.GetTrove(tr.ID); err == nil {
		t.Error("GetTrove() should fail after DeleteTrove()")
	}
	if files, _ := s.ListFilesByTrove(tr.ID); len(files) != 0 {
		t.Errorf("ListFilesByTrove() = %d entries, want 0", len(files))
	}
	if deps, _ := s.ListDependenciesByTrove(tr.ID); len(deps) != 0 {
		t.Errorf("ListDependenciesByTrove() = %d entries, want 0", len(deps))
	}
	if provides, _ := s.ListProvidesByTrove(tr.ID); len(provides) != 0 {
		t.Errorf("ListProvidesByTrove() = %d entries, want 0", len(provides))
	}
	if scriptlets, _ := s.ListScriptletsByTrove(tr.ID); len(scriptlets) != 0 {
		t.Errorf("ListScriptletsByTrove() = %d entries, want 0", len(scriptlets))
	}
	if _, err := s.GetProvenance(tr.ID); err == nil {
		t.Error("GetProvenance() should fail after DeleteTrove()")
	}
	if _, err := s.GetFileByPath("/bin/bash"); err == nil {
		t.Error("GetFileByPath() should fail after cascade delete, path index left stale")
	}
}

func TestListDependentsFindsReverseEdge(t *testing.T) {
	s := newTestStore(t)
	app := &types.Trove{Name: "app", Version: "1", Architecture: "x86_64"}
	if err := s.CreateTrove(app); err != nil {
		t.Fatalf("CreateTrove() error = %v", err)
	}
	if err := s.CreateDependencyEntry(&types.DependencyEntry{TroveID: app.ID, DependsOnName: "libfoo"}); err != nil {
		t.Fatalf("CreateDependencyEntry() error = %v", err)
	}

	dependents, err := s.ListDependents("libfoo")
	if err != nil {
		t.Fatalf("ListDependents() error = %v", err)
	}
	if len(dependents) != 1 || dependents[0].TroveID != app.ID {
		t.Errorf("ListDependents() = %+v, want one entry for trove %d", dependents, app.ID)
	}
}

func TestChangesetStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	cs := &types.Changeset{Description: "install bash"}
	if err := s.CreateChangeset(cs); err != nil {
		t.Fatalf("CreateChangeset() error = %v", err)
	}
	if cs.Status != types.ChangesetPending {
		t.Fatalf("Status = %v, want pending", cs.Status)
	}

	cs.Status = types.ChangesetApplied
	if err := s.UpdateChangeset(cs); err != nil {
		t.Fatalf("UpdateChangeset() pending->applied error = %v", err)
	}

	cs.Status = types.ChangesetPending
	if err := s.UpdateChangeset(cs); err == nil {
		t.Error("UpdateChangeset() applied->pending should be rejected")
	}
}

func TestReplaceRepositoryPackagesSwapsAtomically(t *testing.T) {
	s := newTestStore(t)
	repo := &types.Repository{Name: "main", URL: "https://repo.example.test"}
	if err := s.CreateRepository(repo); err != nil {
		t.Fatalf("CreateRepository() error = %v", err)
	}

	first := []*types.RepositoryPackage{{Name: "bash", Version: "5.1"}}
	if err := s.ReplaceRepositoryPackages(repo.ID, first); err != nil {
		t.Fatalf("ReplaceRepositoryPackages() error = %v", err)
	}
	pkgs, err := s.ListRepositoryPackages(repo.ID)
	if err != nil || len(pkgs) != 1 {
		t.Fatalf("ListRepositoryPackages() = %+v, err = %v", pkgs, err)
	}

	second := []*types.RepositoryPackage{{Name: "bash", Version: "5.2"}, {Name: "zsh", Version: "5.9"}}
	if err := s.ReplaceRepositoryPackages(repo.ID, second); err != nil {
		t.Fatalf("ReplaceRepositoryPackages() second call error = %v", err)
	}
	pkgs, err = s.ListRepositoryPackages(repo.ID)
	if err != nil || len(pkgs) != 2 {
		t.Fatalf("ListRepositoryPackages() after replace = %+v, err = %v", pkgs, err)
	}
}

func TestUpsertConvertedPackageIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	c := &types.ConvertedPackage{OriginalFormat: types.FormatRPM, OriginalChecksum: "abc123", Fidelity: types.FidelityHigh}
	if err := s.UpsertConvertedPackage(c); err != nil {
		t.Fatalf("UpsertConvertedPackage() error = %v", err)
	}
	firstID := c.ID

	again := &types.ConvertedPackage{OriginalFormat: types.FormatRPM, OriginalChecksum: "abc123", Fidelity: types.FidelityFull}
	if err := s.UpsertConvertedPackage(again); err != nil {
		t.Fatalf("UpsertConvertedPackage() second call error = %v", err)
	}
	if again.ID != firstID {
		t.Errorf("UpsertConvertedPackage() assigned a new ID %d, want reuse of %d", again.ID, firstID)
	}

	got, err := s.GetConvertedPackage(types.FormatRPM, "abc123")
	if err != nil {
		t.Fatalf("GetConvertedPackage() error = %v", err)
	}
	if got.Fidelity != types.FidelityFull {
		t.Errorf("Fidelity = %v, want full (latest write)", got.Fidelity)
	}
}

func TestBuiltinTriggerCannotBeDemoted(t *testing.T) {
	s := newTestStore(t)
	tg := &types.Trigger{Name: "ldconfig", Builtin: true, Enabled: true}
	if err := s.CreateTrigger(tg); err != nil {
		t.Fatalf("CreateTrigger() error = %v", err)
	}

	tg.Builtin = false
	if err := s.UpdateTrigger(tg); err == nil {
		t.Error("UpdateTrigger() should reject un-marking a built-in trigger")
	}
}

func TestDependencyTreeMarksCircular(t *testing.T) {
	s := newTestStore(t)

	a := &types.Trove{Name: "a", Version: "1", Architecture: "x86_64"}
	b := &types.Trove{Name: "b", Version: "1", Architecture: "x86_64"}
	if err := s.CreateTrove(a); err != nil {
		t.Fatalf("CreateTrove(a) error = %v", err)
	}
	if err := s.CreateTrove(b); err != nil {
		t.Fatalf("CreateTrove(b) error = %v", err)
	}
	if err := s.CreateProvideEntry(&types.ProvideEntry{TroveID: a.ID, Capability: "a"}); err != nil {
		t.Fatalf("CreateProvideEntry(a) error = %v", err)
	}
	if err := s.CreateProvideEntry(&types.ProvideEntry{TroveID: b.ID, Capability: "b"}); err != nil {
		t.Fatalf("CreateProvideEntry(b) error = %v", err)
	}
	if err := s.CreateDependencyEntry(&types.DependencyEntry{TroveID: a.ID, DependsOnName: "b"}); err != nil {
		t.Fatalf("CreateDependencyEntry(a->b) error = %v", err)
	}
	if err := s.CreateDependencyEntry(&types.DependencyEntry{TroveID: b.ID, DependsOnName: "a"}); err != nil {
		t.Fatalf("CreateDependencyEntry(b->a) error = %v", err)
	}

	tree, err := DependencyTree(s, a.ID)
	if err != nil {
		t.Fatalf("DependencyTree() error = %v", err)
	}
	if len(tree.Children) != 1 || tree.Children[0].Name != "b" {
		t.Fatalf("tree.Children = %+v, want one child b", tree.Children)
	}
	grandchild := tree.Children[0].Children
	if len(grandchild) != 1 || !grandchild[0].Circular {
		t.Errorf("grandchild = %+v, want circular back-edge to a", grandchild)
	}
}
