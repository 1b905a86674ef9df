package adopt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

type fakeScanner struct {
	pkgs []ScannedPackage
	err  error
}

func (f *fakeScanner) Scan(ctx context.Context) ([]ScannedPackage, error) {
	return f.pkgs, f.err
}

func newTestAdopter(t *testing.T, installRoot string, pkgs []ScannedPackage) (*Adopter, storage.Store) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	casStore, err := cas.New(dataDir)
	if err != nil {
		t.Fatalf("cas.New() error = %v", err)
	}
	return New(store, casStore, installRoot, &fakeScanner{pkgs: pkgs}, nil), store
}

func TestAdoptTrackCreatesTroveWithoutHashingContent(t *testing.T) {
	installRoot := t.TempDir()
	pkgs := []ScannedPackage{{
		Name: "bash", Version: "5.1", Architecture: "x86_64",
		Files: []ScannedFile{{Path: "/bin/bash", Mode: 0o755}},
	}}
	adopter, store := newTestAdopter(t, installRoot, pkgs)

	result, err := adopter.Adopt(context.Background(), ModeTrack)
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}
	if result.Adopted != 1 || result.Skipped != 0 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 1 adopted", result)
	}

	trove, err := store.GetTroveByNVA("bash", "5.1", "x86_64")
	if err != nil || trove == nil {
		t.Fatalf("GetTroveByNVA() = %v, %v, want a row", trove, err)
	}
	if trove.InstallReason != types.InstallReasonAdoptedTrack {
		t.Errorf("InstallReason = %s, want %s", trove.InstallReason, types.InstallReasonAdoptedTrack)
	}

	files, err := store.ListFilesByTrove(trove.ID)
	if err != nil {
		t.Fatalf("ListFilesByTrove() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1", len(files))
	}
	if files[0].SHA256Hash != "" {
		t.Errorf("SHA256Hash = %q, want empty in track mode", files[0].SHA256Hash)
	}
}

func TestAdoptFullHashesContentIntoCAS(t *testing.T) {
	installRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(installRoot, "bin"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(installRoot, "bin", "bash"), []byte("binary-content"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	pkgs := []ScannedPackage{{
		Name: "bash", Version: "5.1", Architecture: "x86_64",
		Files: []ScannedFile{{Path: "/bin/bash", Mode: 0o755}},
	}}
	adopter, store := newTestAdopter(t, installRoot, pkgs)

	result, err := adopter.Adopt(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}
	if result.Adopted != 1 {
		t.Fatalf("result = %+v, want 1 adopted", result)
	}

	trove, err := store.GetTroveByNVA("bash", "5.1", "x86_64")
	if err != nil || trove == nil {
		t.Fatalf("GetTroveByNVA() = %v, %v, want a row", trove, err)
	}
	files, err := store.ListFilesByTrove(trove.ID)
	if err != nil {
		t.Fatalf("ListFilesByTrove() error = %v", err)
	}
	if len(files) != 1 || files[0].SHA256Hash == "" {
		t.Fatalf("files = %+v, want one entry with a hash", files)
	}
	if files[0].Size != int64(len("binary-content")) {
		t.Errorf("Size = %d, want %d", files[0].Size, len("binary-content"))
	}
}

func TestAdoptSkipsAlreadyTrackedPackage(t *testing.T) {
	installRoot := t.TempDir()
	pkgs := []ScannedPackage{{Name: "bash", Version: "5.1", Architecture: "x86_64"}}
	adopter, store := newTestAdopter(t, installRoot, pkgs)

	if err := store.CreateTrove(&types.Trove{Name: "bash", Version: "5.1", Architecture: "x86_64", Type: types.TroveTypePackage}); err != nil {
		t.Fatalf("CreateTrove() error = %v", err)
	}

	result, err := adopter.Adopt(context.Background(), ModeTrack)
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}
	if result.Adopted != 0 || result.Skipped != 1 {
		t.Fatalf("result = %+v, want 1 skipped", result)
	}
}
