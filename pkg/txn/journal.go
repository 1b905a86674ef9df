package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/errs"
)

// journalDeploy is one file the Deploy phase writes or is about to
// write, recorded before the write happens so recovery can reverse it.
type journalDeploy struct {
	Path    string
	OldHash string // empty when there was nothing at path before
	NewHash string
	Mode    uint32
}

// journalRemove is one file a Remove plan entry takes away.
type journalRemove struct {
	Path    string
	OldHash string
	Mode    uint32
}

// journal is the on-disk record §4.7 phase 3 opens before any
// filesystem write, and phase 9 deletes once the changeset is fully
// applied. Its presence at startup means the changeset it names was
// interrupted somewhere between phase 3 and phase 9.
type journal struct {
	ChangesetID     int64
	Description     string
	Deploys         []journalDeploy
	Removes         []journalRemove
	PreHooksApplied bool
}

// journalStore reads and writes journal files under a directory, one
// per in-flight changeset, named "<changeset-id>.journal".
type journalStore struct {
	dir string
}

func newJournalStore(dir string) *journalStore { return &journalStore{dir: dir} }

func (s *journalStore) path(changesetID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.journal", changesetID))
}

func (s *journalStore) write(j *journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return &errs.ParseError{Format: "journal", Detail: "encode", Err: err}
	}
	path := s.path(j.ChangesetID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &errs.IOError{Op: "write-journal", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &errs.IOError{Op: "rename-journal", Path: path, Err: err}
	}
	return nil
}

func (s *journalStore) remove(changesetID int64) error {
	if err := os.Remove(s.path(changesetID)); err != nil && !os.IsNotExist(err) {
		return &errs.IOError{Op: "remove-journal", Path: s.path(changesetID), Err: err}
	}
	return nil
}

// listOrphans returns every journal file left on disk, decoded; each
// carries its changeset id in its own ChangesetID field.
func (s *journalStore) listOrphans() ([]*journal, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.IOError{Op: "readdir", Path: s.dir, Err: err}
	}
	var out []*journal
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".journal") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, &errs.IOError{Op: "read-journal", Path: e.Name(), Err: err}
		}
		var j journal
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, &errs.ParseError{Format: "journal", Detail: e.Name(), Err: err}
		}
		out = append(out, &j)
	}
	return out, nil
}

func toHash(s string) cas.Hash { return cas.Hash(s) }
