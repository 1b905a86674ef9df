package resolver

import (
	"testing"

	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func installTrove(t *testing.T, s *storage.BoltStore, name, version string, pinned bool) *types.Trove {
	t.Helper()
	tr := &types.Trove{Name: name, Version: version, Architecture: "x86_64", Pinned: pinned, InstallReason: types.InstallReasonExplicit}
	if err := s.CreateTrove(tr); err != nil {
		t.Fatalf("CreateTrove() error = %v", err)
	}
	if err := s.CreateProvideEntry(&types.ProvideEntry{TroveID: tr.ID, Capability: name}); err != nil {
		t.Fatalf("CreateProvideEntry() error = %v", err)
	}
	return tr
}

func TestResolveFreshInstallNoDeps(t *testing.T) {
	s := newTestStore(t)
	res, err := Resolve(s, Request{Changes: []RequestedChange{
		{Kind: OpInstall, Name: "foo", Version: "1.0", Architecture: "x86_64"},
	}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("Conflicts = %+v, want none", res.Conflicts)
	}
	if len(res.Plan) != 1 || res.Plan[0].Op != OpInstall || res.Plan[0].Name != "foo" {
		t.Errorf("Plan = %+v, want single install of foo", res.Plan)
	}
}

func TestResolveUnsatisfiableConstraintOnPinned(t *testing.T) {
	s := newTestStore(t)
	installTrove(t, s, "Y", "1.4", true)

	res, err := Resolve(s, Request{Changes: []RequestedChange{
		{Kind: OpInstall, Name: "X", Version: "1.0", Architecture: "x86_64", Dependencies: []Dependency{
			{Name: "Y", Constraint: ">= 2.0"},
		}},
	}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("Conflicts = %+v, want one UnsatisfiableConstraint", res.Conflicts)
	}
	uc, ok := res.Conflicts[0].(*UnsatisfiableConstraint)
	if !ok {
		t.Fatalf("Conflicts[0] = %T, want *UnsatisfiableConstraint", res.Conflicts[0])
	}
	if uc.Package != "Y" || uc.InstalledVersion != "1.4" {
		t.Errorf("conflict = %+v", uc)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	s := newTestStore(t)
	res, err := Resolve(s, Request{Changes: []RequestedChange{
		{Kind: OpInstall, Name: "app", Version: "1.0", Dependencies: []Dependency{
			{Name: "libfoo"},
		}},
	}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "libfoo" {
		t.Errorf("Missing = %v, want [libfoo]", res.Missing)
	}
	foundMissingConflict := false
	for _, c := range res.Conflicts {
		if _, ok := c.(*MissingPackage); ok {
			foundMissingConflict = true
		}
	}
	if !foundMissingConflict {
		t.Error("expected a MissingPackage conflict")
	}
}

func TestResolveDowngradeRefusedWithoutFlag(t *testing.T) {
	s := newTestStore(t)
	installTrove(t, s, "foo", "2.0", false)

	res, err := Resolve(s, Request{Changes: []RequestedChange{
		{Kind: OpUpgrade, Name: "foo", Version: "1.0", Architecture: "x86_64"},
	}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("Conflicts = %+v, want one refusal", res.Conflicts)
	}
}

func TestResolveDowngradeAllowedWithFlag(t *testing.T) {
	s := newTestStore(t)
	installTrove(t, s, "foo", "2.0", false)

	res, err := Resolve(s, Request{
		AllowDowngrade: true,
		Changes: []RequestedChange{
			{Kind: OpUpgrade, Name: "foo", Version: "1.0", Architecture: "x86_64"},
		},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("Conflicts = %+v, want none", res.Conflicts)
	}
	if len(res.Plan) != 1 || res.Plan[0].Op != OpDowngrade {
		t.Errorf("Plan = %+v, want a downgrade entry", res.Plan)
	}
}

func TestResolveInstalledDependencyIsNoop(t *testing.T) {
	s := newTestStore(t)
	installTrove(t, s, "libfoo", "1.0", false)

	res, err := Resolve(s, Request{Changes: []RequestedChange{
		{Kind: OpInstall, Name: "app", Version: "1.0", Dependencies: []Dependency{
			{Name: "libfoo"},
		}},
	}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Plan) != 1 || res.Plan[0].Name != "app" {
		t.Fatalf("Plan = %+v, want only app (libfoo already installed is a noop)", res.Plan)
	}
}

func TestResolveRemoveRejectsWhenDependentsExist(t *testing.T) {
	s := newTestStore(t)
	lib := installTrove(t, s, "libfoo", "1.0", false)
	app := installTrove(t, s, "app", "1.0", false)
	if err := s.CreateDependencyEntry(&types.DependencyEntry{TroveID: app.ID, DependsOnName: "libfoo"}); err != nil {
		t.Fatalf("CreateDependencyEntry() error = %v", err)
	}
	_ = lib

	res, err := Resolve(s, Request{Changes: []RequestedChange{
		{Kind: OpRemove, Name: "libfoo", Version: "1.0", Architecture: "x86_64"},
	}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("Conflicts = %+v, want removal rejected", res.Conflicts)
	}
}

func TestResolveCircularDependencyDetected(t *testing.T) {
	s := newTestStore(t)
	res, err := Resolve(s, Request{Changes: []RequestedChange{
		{Kind: OpInstall, Name: "a", Version: "1.0", Dependencies: []Dependency{{Name: "b"}}},
		{Kind: OpInstall, Name: "b", Version: "1.0", Dependencies: []Dependency{{Name: "a"}}},
	}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	found := false
	for _, c := range res.Conflicts {
		if _, ok := c.(*CircularDependency); ok {
			found = true
		}
	}
	if !found {
		t.Errorf("Conflicts = %+v, want a CircularDependency", res.Conflicts)
	}
}

func TestResolveRedirectChainAndIdempotence(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateRedirect(&types.Redirect{SourceName: "old-name", TargetName: "new-name", Type: types.RedirectRename}); err != nil {
		t.Fatalf("CreateRedirect() error = %v", err)
	}

	first, err := ResolveRedirect(s, "old-name", "")
	if err != nil {
		t.Fatalf("ResolveRedirect() error = %v", err)
	}
	if first.Name != "new-name" {
		t.Fatalf("ResolveRedirect() = %+v, want new-name", first)
	}

	second, err := ResolveRedirect(s, first.Name, first.Version)
	if err != nil {
		t.Fatalf("ResolveRedirect() second call error = %v", err)
	}
	if second.Name != first.Name {
		t.Errorf("resolve(resolve(x)) = %q, want idempotent %q", second.Name, first.Name)
	}
}

func TestWouldCreateCycleDetectsBeforeWrite(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateRedirect(&types.Redirect{SourceName: "a", TargetName: "b", Type: types.RedirectRename}); err != nil {
		t.Fatalf("CreateRedirect() error = %v", err)
	}

	cyclic, err := WouldCreateCycle(s, "b", "a")
	if err != nil {
		t.Fatalf("WouldCreateCycle() error = %v", err)
	}
	if !cyclic {
		t.Error("WouldCreateCycle() = false, want true for b->a given a->b exists")
	}
}
