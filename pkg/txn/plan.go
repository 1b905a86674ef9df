package txn

import (
	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/resolver"
	"github.com/cuemby/conary/pkg/types"
)

// FileSpec is one file an install or upgrade plan entry deploys. Content
// is expected to already live in the CAS (placed there by the
// conversion pipeline or pkg/adopt's Full mode) — Prepare only verifies
// it, it never fetches it itself; remote fetch is the caller's job,
// matching §5's "database transactions must not straddle a network
// call".
type FileSpec struct {
	Path     string
	Mode     uint32
	Owner    string
	Group    string
	IsConfig bool
	Hash     cas.Hash // empty when Symlink is set
	Symlink  string
}

// TrovePlan carries everything the engine needs to materialize one
// Install/Upgrade/Downgrade resolver.PlanEntry: the Trove row to write
// and every row that hangs off it.
type TrovePlan struct {
	Trove        *types.Trove
	Files        []FileSpec
	Dependencies []*types.DependencyEntry
	Provides     []*types.ProvideEntry
	Scriptlets   []*types.ScriptletEntry
	Hooks        types.Hooks
}

// Request is the Engine's full input: a resolved plan plus, for every
// Install/Upgrade/Downgrade entry in it, the TrovePlan describing what
// to write. Remove entries need no payload — the engine looks up the
// installed Trove itself.
type Request struct {
	Description string
	Plan        []resolver.PlanEntry
	Packages    map[string]*TrovePlan // keyed by PlanEntry.Name

	// IsRollback marks a Request built by Engine.Rollback as the inverse
	// of a previously Applied changeset: the changeset Apply creates for
	// it is recorded with ChangesetRolledBack status instead of
	// ChangesetApplied, so listing changesets tells "normal operation"
	// and "undo of a past operation" apart.
	IsRollback bool
}
