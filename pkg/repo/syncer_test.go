package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

type fakeFetcher struct {
	byRepo map[string][]*types.RepositoryPackage
	errs   map[string]error
}

func (f *fakeFetcher) FetchIndex(ctx context.Context, repository *types.Repository) ([]*types.RepositoryPackage, error) {
	if err, ok := f.errs[repository.Name]; ok {
		return nil, err
	}
	return f.byRepo[repository.Name], nil
}

func newTestSyncer(t *testing.T, fetcher Fetcher) (*Syncer, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSyncer(store, fetcher, nil, 5*time.Second), store
}

func TestSyncOneReplacesPackagesAndStampsLastSync(t *testing.T) {
	fetcher := &fakeFetcher{byRepo: map[string][]*types.RepositoryPackage{
		"main": {{Name: "bash", Version: "5.1", Architecture: "x86_64"}},
	}}
	syncer, store := newTestSyncer(t, fetcher)

	repository := &types.Repository{Name: "main", URL: "https://example.invalid/main", Enabled: true}
	if err := store.CreateRepository(repository); err != nil {
		t.Fatalf("CreateRepository() error = %v", err)
	}

	outcome, err := syncer.SyncOne(context.Background(), "main")
	if err != nil {
		t.Fatalf("SyncOne() error = %v", err)
	}
	if outcome.Err != nil {
		t.Fatalf("outcome.Err = %v, want nil", outcome.Err)
	}
	if outcome.Packages != 1 {
		t.Errorf("outcome.Packages = %d, want 1", outcome.Packages)
	}

	pkgs, err := store.ListRepositoryPackages(repository.ID)
	if err != nil {
		t.Fatalf("ListRepositoryPackages() error = %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Name != "bash" {
		t.Fatalf("pkgs = %+v, want one bash entry", pkgs)
	}

	updated, err := store.GetRepositoryByName("main")
	if err != nil {
		t.Fatalf("GetRepositoryByName() error = %v", err)
	}
	if updated.LastSync == nil {
		t.Errorf("LastSync not stamped after successful sync")
	}
}

func TestSyncOneUnknownRepositoryErrors(t *testing.T) {
	syncer, _ := newTestSyncer(t, &fakeFetcher{})
	if _, err := syncer.SyncOne(context.Background(), "missing"); err == nil {
		t.Fatalf("SyncOne() error = nil, want error for unknown repository")
	}
}

func TestSyncAllIsolatesFailuresPerRepository(t *testing.T) {
	fetcher := &fakeFetcher{
		byRepo: map[string][]*types.RepositoryPackage{
			"good": {{Name: "bash", Version: "5.1"}},
		},
		errs: map[string]error{
			"bad": fmt.Errorf("connection refused"),
		},
	}
	syncer, store := newTestSyncer(t, fetcher)

	for _, name := range []string{"good", "bad"} {
		if err := store.CreateRepository(&types.Repository{Name: name, URL: "https://example.invalid/" + name, Enabled: true}); err != nil {
			t.Fatalf("CreateRepository(%s) error = %v", name, err)
		}
	}
	if err := store.CreateRepository(&types.Repository{Name: "disabled", URL: "https://example.invalid/disabled", Enabled: false}); err != nil {
		t.Fatalf("CreateRepository(disabled) error = %v", err)
	}

	outcomes, err := syncer.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2 (disabled repo skipped)", len(outcomes))
	}

	byName := map[string]Outcome{}
	for _, o := range outcomes {
		byName[o.Repository] = o
	}
	if byName["good"].Err != nil {
		t.Errorf("good.Err = %v, want nil", byName["good"].Err)
	}
	if byName["bad"].Err == nil {
		t.Errorf("bad.Err = nil, want an error")
	}
}
