/*
Package deploy implements the Filesystem Deployer: the thin layer between
the transaction engine and the CAS that resolves paths under an install
root and materializes files and symlinks there.

Path safety: any path whose ".." components would climb above the
install root is rejected. Symlinks in parent directories are not
inspected: a path under a symlinked directory resolves wherever that
symlink points. When the install root is "/", no rewriting is performed.
*/
package deploy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/errs"
)

// Deployer materializes CAS content at paths under a configured install
// root.
type Deployer struct {
	installRoot string
	store       *cas.Store
}

// New creates a Deployer rooted at installRoot, backed by store.
// installRoot "/" means the live filesystem; any other path is treated
// as a target root (bootstrap, container rootfs, offline install).
func New(installRoot string, store *cas.Store) *Deployer {
	return &Deployer{installRoot: filepath.Clean(installRoot), store: store}
}

// InstallRoot returns the configured install root.
func (d *Deployer) InstallRoot() string { return d.installRoot }

// Resolve maps a package-relative absolute path (e.g. "/usr/bin/foo")
// onto a real filesystem path under the install root, rejecting any path
// that would escape it.
func (d *Deployer) Resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", &errs.IOError{Op: "resolve", Path: path, Err: os.ErrInvalid}
	}
	clean := filepath.Clean(path)

	if d.installRoot == "/" || d.installRoot == "" {
		return clean, nil
	}

	full := filepath.Join(d.installRoot, path)
	rel, err := filepath.Rel(d.installRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &errs.IOError{Op: "resolve", Path: path, Err: os.ErrPermission}
	}
	return full, nil
}

// DeployFile materializes the CAS object at hash with the given mode at
// path (resolved under the install root), creating parent directories as
// needed. It delegates to cas.Store.Link, which prefers a hardlink and
// falls back to a copy.
func (d *Deployer) DeployFile(path string, hash cas.Hash, mode os.FileMode) error {
	full, err := d.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &errs.IOError{Op: "mkdir", Path: filepath.Dir(full), Err: err}
	}
	return d.store.Link(hash, full, mode)
}

// DeploySymlink creates a symbolic link at path (resolved under the
// install root) pointing at target. target is stored verbatim; it is not
// itself resolved under the install root, matching standard symlink
// semantics.
func (d *Deployer) DeploySymlink(path, target string) error {
	full, err := d.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &errs.IOError{Op: "mkdir", Path: filepath.Dir(full), Err: err}
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return &errs.IOError{Op: "remove-existing", Path: full, Err: err}
	}
	if err := os.Symlink(target, full); err != nil {
		return &errs.IOError{Op: "symlink", Path: full, Err: err}
	}
	return nil
}

// RemoveFile unlinks path (resolved under the install root). It is a
// no-op, not an error, when the path is already absent.
func (d *Deployer) RemoveFile(path string) error {
	full, err := d.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return &errs.IOError{Op: "remove", Path: full, Err: err}
	}
	return nil
}

// FileExists reports whether path (resolved under the install root) is
// present, following symlinks.
func (d *Deployer) FileExists(path string) bool {
	full, err := d.Resolve(path)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(full)
	return statErr == nil
}

// LstatExists reports whether path (resolved under the install root) is
// present without following a trailing symlink, so the caller can tell
// "broken symlink present" apart from "nothing there".
func (d *Deployer) LstatExists(path string) bool {
	full, err := d.Resolve(path)
	if err != nil {
		return false
	}
	_, statErr := os.Lstat(full)
	return statErr == nil
}

// Rename moves oldPath to newPath (both resolved under the install
// root). Used by the transaction engine to shuffle a pre-existing file
// aside to "<path>.conary-old" before deploying its replacement.
func (d *Deployer) Rename(oldPath, newPath string) error {
	oldFull, err := d.Resolve(oldPath)
	if err != nil {
		return err
	}
	newFull, err := d.Resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return &errs.IOError{Op: "rename", Path: oldFull, Err: err}
	}
	return nil
}
