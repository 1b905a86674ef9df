package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/conary/pkg/cas"
)

func newTestDeployer(t *testing.T) (*Deployer, *cas.Store, string) {
	t.Helper()
	casDir := t.TempDir()
	root := t.TempDir()
	store, err := cas.New(casDir)
	if err != nil {
		t.Fatalf("cas.New() error = %v", err)
	}
	return New(root, store), store, root
}

func TestDeployFileCreatesParentDirs(t *testing.T) {
	d, store, root := newTestDeployer(t)
	h, err := store.Store([]byte("K=V\n"))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if err := d.DeployFile("/etc/foo/foo.conf", h, 0o644); err != nil {
		t.Fatalf("DeployFile() error = %v", err)
	}

	full := filepath.Join(root, "etc/foo/foo.conf")
	info, err := os.Stat(full)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	d, _, _ := newTestDeployer(t)

	if _, err := d.Resolve("/../../etc/passwd"); err == nil {
		t.Error("Resolve() should reject traversal above install root")
	}
}

func TestResolveNoRewriteWhenRootIsSlash(t *testing.T) {
	d := New("/", nil)
	got, err := d.Resolve("/usr/bin/foo")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "/usr/bin/foo" {
		t.Errorf("Resolve() = %q, want /usr/bin/foo", got)
	}
}

func TestDeploySymlink(t *testing.T) {
	d, _, root := newTestDeployer(t)

	if err := d.DeploySymlink("/usr/bin/foo", "foo-1.0"); err != nil {
		t.Fatalf("DeploySymlink() error = %v", err)
	}

	link := filepath.Join(root, "usr/bin/foo")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "foo-1.0" {
		t.Errorf("symlink target = %q, want foo-1.0", target)
	}
}

func TestRemoveFileIsIdempotent(t *testing.T) {
	d, store, _ := newTestDeployer(t)
	h, _ := store.Store([]byte("x"))
	if err := d.DeployFile("/a", h, 0o644); err != nil {
		t.Fatalf("DeployFile() error = %v", err)
	}

	if err := d.RemoveFile("/a"); err != nil {
		t.Fatalf("RemoveFile() first call error = %v", err)
	}
	if err := d.RemoveFile("/a"); err != nil {
		t.Fatalf("RemoveFile() on already-absent path should not error, got %v", err)
	}
	if d.FileExists("/a") {
		t.Error("FileExists() true after RemoveFile()")
	}
}

func TestRename(t *testing.T) {
	d, store, root := newTestDeployer(t)
	h, _ := store.Store([]byte("old"))
	if err := d.DeployFile("/etc/foo.conf", h, 0o644); err != nil {
		t.Fatalf("DeployFile() error = %v", err)
	}

	if err := d.Rename("/etc/foo.conf", "/etc/foo.conf.conary-old"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "etc/foo.conf.conary-old")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
	if d.FileExists("/etc/foo.conf") {
		t.Error("original path still exists after Rename()")
	}
}
