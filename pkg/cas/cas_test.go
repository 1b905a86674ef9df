package cas

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h1, err := store.Store([]byte("hello world"))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	h2, err := store.Store([]byte("hello world"))
	if err != nil {
		t.Fatalf("Store() second call error = %v", err)
	}
	if h1 != h2 {
		t.Errorf("Store() not idempotent: %v != %v", h1, h2)
	}
	if !store.Exists(h1) {
		t.Error("Exists() = false after Store()")
	}
}

func TestHashMatchesContent(t *testing.T) {
	store, _ := New(t.TempDir())
	h, err := store.Store([]byte("abc"))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	r, err := store.Open(h)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}

	if got := HashBytes(content); got != h {
		t.Errorf("content hash = %v, want %v", got, h)
	}
}

func TestOpenMissingReturnsMissingContent(t *testing.T) {
	store, _ := New(t.TempDir())
	missing := HashBytes([]byte("never stored"))
	_, err := store.Open(missing)
	if err == nil {
		t.Fatal("Open() on missing object should error")
	}
}

func TestLinkHardlinksWhenPossible(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)

	h, err := store.Store([]byte("payload"))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// A hardlink shares the object's inode, so it is only possible when
	// the requested mode matches the object's own 0444.
	dst := filepath.Join(dir, "deployed-file")
	if err := store.Link(h, dst, 0o444); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("mode = %v, want 0444", info.Mode().Perm())
	}

	// Same filesystem: should have been a hardlink, i.e. same inode.
	srcInfo, err := os.Stat(store.objectPath(h))
	if err != nil {
		t.Fatalf("Stat(src) error = %v", err)
	}
	if !os.SameFile(info, srcInfo) {
		t.Error("Link() did not hardlink on same filesystem")
	}
}

func TestLinkDoesNotMutateCASObject(t *testing.T) {
	dir := t.TempDir()
	store, _ := New(dir)

	h, _ := store.Store([]byte("payload"))
	dst := filepath.Join(dir, "out")
	if err := store.Link(h, dst, 0o600); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	srcInfo, err := os.Stat(store.objectPath(h))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if srcInfo.Mode().Perm() != 0o444 {
		t.Errorf("CAS object mode changed to %v, want unchanged 0444", srcInfo.Mode().Perm())
	}
}

func TestPruneRemovesUnreferencedObjects(t *testing.T) {
	store, _ := New(t.TempDir())

	keep, _ := store.Store([]byte("keep me"))
	drop, _ := store.Store([]byte("drop me"))

	removed, err := store.Prune(map[Hash]struct{}{keep: {}})
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() removed = %d, want 1", removed)
	}
	if !store.Exists(keep) {
		t.Error("Prune() removed a kept object")
	}
	if store.Exists(drop) {
		t.Error("Prune() left an unreferenced object")
	}
}
