/*
Package cas implements Conary's content-addressed object store: immutable
file bodies stored once per unique byte sequence, keyed by
"sha256:<hex>".

# Layout

	<root>/objects/<first two hex chars>/<remaining hex chars>

Two-level sharding bounds directory fan-out for large installs. Objects
are written to a temporary path in the same directory and atomically
renamed into place, so store is safe under concurrent callers and never
leaves a partial object at its final path.

# Invariants

  - the bytes at objects/<prefix>/<rest> hash to sha256:<prefix><rest>
  - Store is idempotent: storing the same bytes twice returns the same
    hash and performs no second write
  - ownership/mode of a deployed path never propagates back to the CAS
    object; Link never mutates the source object
*/
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/metrics"
	"github.com/google/uuid"
)

// Hash is a content digest in "sha256:<hex>" form.
type Hash string

// HashBytes computes the Hash of a byte slice.
func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash("sha256:" + hex.EncodeToString(sum[:]))
}

// Hex returns the bare hex digest, without the "sha256:" prefix.
func (h Hash) Hex() string {
	const prefix = "sha256:"
	if len(h) > len(prefix) && string(h[:len(prefix)]) == prefix {
		return string(h[len(prefix):])
	}
	return string(h)
}

func (h Hash) valid() bool {
	hexPart := h.Hex()
	if len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// Store is a content-addressed object store rooted at a directory.
type Store struct {
	root string
}

// New creates (if necessary) the CAS directory layout at root and
// returns a Store over it.
func New(root string) (*Store, error) {
	objDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, &errs.IOError{Op: "mkdir", Path: objDir, Err: err}
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) objectPath(h Hash) string {
	hexPart := h.Hex()
	return filepath.Join(s.root, "objects", hexPart[:2], hexPart[2:])
}

// Exists reports whether an object for hash h is present, without
// reading its content.
func (s *Store) Exists(h Hash) bool {
	_, err := os.Stat(s.objectPath(h))
	return err == nil
}

// Store writes b into the CAS and returns its content hash. If an
// object already exists for this content, Store returns its hash
// unchanged without performing a second write.
func (s *Store) Store(b []byte) (Hash, error) {
	h := HashBytes(b)
	path := s.objectPath(h)

	if _, err := os.Stat(path); err == nil {
		metrics.CASStoreTotal.WithLabelValues("deduped").Inc()
		return h, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.CASStoreTotal.WithLabelValues("error").Inc()
		return "", &errs.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		metrics.CASStoreTotal.WithLabelValues("error").Inc()
		return "", &errs.IOError{Op: "create", Path: tmpPath, Err: err}
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmpPath)
		metrics.CASStoreTotal.WithLabelValues("error").Inc()
		return "", &errs.IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		metrics.CASStoreTotal.WithLabelValues("error").Inc()
		return "", &errs.IOError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		metrics.CASStoreTotal.WithLabelValues("error").Inc()
		return "", &errs.IOError{Op: "close", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		// Another writer may have won the race; treat that as success.
		if _, statErr := os.Stat(path); statErr == nil {
			metrics.CASStoreTotal.WithLabelValues("deduped").Inc()
			return h, nil
		}
		metrics.CASStoreTotal.WithLabelValues("error").Inc()
		return "", &errs.IOError{Op: "rename", Path: path, Err: err}
	}

	metrics.CASStoreTotal.WithLabelValues("new").Inc()
	metrics.CASObjectsTotal.Inc()
	return h, nil
}

// Open returns a read handle for the object at hash h.
func (s *Store) Open(h Hash) (io.ReadCloser, error) {
	if !h.valid() {
		return nil, &errs.ParseError{Format: "cas", Detail: fmt.Sprintf("malformed hash %q", h)}
	}
	f, err := os.Open(s.objectPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.MissingContent{Hash: string(h)}
		}
		return nil, &errs.IOError{Op: "open", Path: s.objectPath(h), Err: err}
	}
	return f, nil
}

// Link materializes the object at hash h at dstPath with the given mode.
// It prefers a hardlink from the CAS object to dstPath; a hardlink shares
// the object's inode, so it is used only when mode already equals the
// object's own mode. Otherwise, or when the hardlink fails (cross-device,
// or the filesystem disallows hardlinks across mount points), it falls
// back to a full copy and sets mode on the copy. The CAS object itself is
// never modified.
func (s *Store) Link(h Hash, dstPath string, mode os.FileMode) error {
	src := s.objectPath(h)
	if !s.Exists(h) {
		return &errs.MissingContent{Hash: string(h)}
	}

	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		return &errs.IOError{Op: "remove-existing", Path: dstPath, Err: err}
	}

	hardlinked := false
	if info, err := os.Stat(src); err == nil && info.Mode().Perm() == mode.Perm() {
		if err := os.Link(src, dstPath); err == nil {
			hardlinked = true
			metrics.CASLinkTotal.WithLabelValues("hardlink").Inc()
		} else {
			log.WithComponent("cas").Debug().
				Str("src", src).Str("dst", dstPath).Err(err).
				Msg("hardlink failed, falling back to copy")
		}
	}
	if hardlinked {
		return nil
	}

	if err := s.copyTo(src, dstPath); err != nil {
		return err
	}
	metrics.CASLinkTotal.WithLabelValues("copy").Inc()

	if err := os.Chmod(dstPath, mode); err != nil {
		return &errs.IOError{Op: "chmod", Path: dstPath, Err: err}
	}
	return nil
}

func (s *Store) copyTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &errs.IOError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &errs.IOError{Op: "create", Path: dst, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &errs.IOError{Op: "copy", Path: dst, Err: err}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &errs.IOError{Op: "sync", Path: dst, Err: err}
	}
	return out.Close()
}

// Prune removes CAS objects not present in the keep set. It is the
// explicit, operator-invoked pass §3's "Ownership" note requires before
// any blob is actually removed — reference-count-zero is necessary but
// not sufficient on its own.
func (s *Store) Prune(keep map[Hash]struct{}) (removed int, err error) {
	objDir := filepath.Join(s.root, "objects")
	entries, err := os.ReadDir(objDir)
	if err != nil {
		return 0, &errs.IOError{Op: "readdir", Path: objDir, Err: err}
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(objDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return removed, &errs.IOError{Op: "readdir", Path: shardPath, Err: err}
		}
		for _, f := range files {
			h := Hash("sha256:" + shard.Name() + f.Name())
			if _, ok := keep[h]; ok {
				continue
			}
			if err := os.Remove(filepath.Join(shardPath, f.Name())); err != nil {
				return removed, &errs.IOError{Op: "remove", Path: filepath.Join(shardPath, f.Name()), Err: err}
			}
			removed++
			metrics.CASObjectsTotal.Dec()
		}
	}
	return removed, nil
}
