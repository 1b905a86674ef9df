package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/types"
)

// troveSnapshot is one Trove's full row set as it stood immediately
// before a changeset touched it. A nil Trove means the name did not
// exist before the changeset (a fresh Install): rolling that back means
// removing it, not reinstalling anything.
type troveSnapshot struct {
	Trove        *types.Trove
	Files        []*types.FileEntry
	Dependencies []*types.DependencyEntry
	Provides     []*types.ProvideEntry
	Scriptlets   []*types.ScriptletEntry
}

// changesetSnapshot is the before-state §4.7's Rollback needs, keyed by
// trove name. It is written once a changeset finishes applying and read
// only by Rollback; it intentionally outlives the journal for the same
// changeset, which phase 9 deletes unconditionally.
type changesetSnapshot struct {
	ChangesetID int64
	Before      map[string]*troveSnapshot
}

func (e *Engine) snapshotPath(changesetID int64) string {
	return filepath.Join(e.snapshotDir, fmt.Sprintf("%d.snapshot", changesetID))
}

func (e *Engine) writeSnapshot(changesetID int64, steps []step) error {
	snap := &changesetSnapshot{ChangesetID: changesetID, Before: map[string]*troveSnapshot{}}
	for _, st := range steps {
		name := st.entry.Name
		if st.oldTrove == nil {
			if st.plan != nil {
				snap.Before[name] = nil // nothing existed before: rollback removes it
			}
			continue
		}
		deps, _ := e.store.ListDependenciesByTrove(st.oldTrove.ID)
		provides, _ := e.store.ListProvidesByTrove(st.oldTrove.ID)
		scriptlets, _ := e.store.ListScriptletsByTrove(st.oldTrove.ID)
		snap.Before[name] = &troveSnapshot{
			Trove: st.oldTrove, Files: st.oldFiles,
			Dependencies: deps, Provides: provides, Scriptlets: scriptlets,
		}
	}
	if err := os.MkdirAll(e.snapshotDir, 0o755); err != nil {
		return &errs.IOError{Op: "mkdir", Path: e.snapshotDir, Err: err}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return &errs.ParseError{Format: "snapshot", Detail: "encode", Err: err}
	}
	return os.WriteFile(e.snapshotPath(changesetID), data, 0o600)
}

func (e *Engine) readSnapshot(changesetID int64) (*changesetSnapshot, error) {
	data, err := os.ReadFile(e.snapshotPath(changesetID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("txn: no rollback snapshot recorded for changeset %d", changesetID)
		}
		return nil, &errs.IOError{Op: "read-snapshot", Path: e.snapshotPath(changesetID), Err: err}
	}
	var snap changesetSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &errs.ParseError{Format: "snapshot", Detail: "decode", Err: err}
	}
	return &snap, nil
}
