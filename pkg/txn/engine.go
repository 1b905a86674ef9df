package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/deploy"
	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/events"
	"github.com/cuemby/conary/pkg/hooks"
	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/metrics"
	"github.com/cuemby/conary/pkg/resolver"
	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

// Engine executes resolved plans as atomic changesets.
type Engine struct {
	store       storage.Store
	cas         *cas.Store
	deployer    *deploy.Deployer
	journals    *journalStore
	snapshotDir string
	broker      *events.Broker
}

// New creates an Engine. journalDir and snapshotDir are both kept under
// the configured data directory (§6); snapshotDir is NOT the journal
// directory §4.7 describes — it holds per-changeset before-state used
// only by Rollback, kept after the journal for that same changeset is
// removed in phase 9.
func New(store storage.Store, casStore *cas.Store, deployer *deploy.Deployer, journalDir, snapshotDir string, broker *events.Broker) *Engine {
	return &Engine{
		store:       store,
		cas:         casStore,
		deployer:    deployer,
		journals:    newJournalStore(journalDir),
		snapshotDir: snapshotDir,
		broker:      broker,
	}
}

// step is one PlanEntry paired with the store rows it touches.
type step struct {
	entry    resolver.PlanEntry
	plan     *TrovePlan   // non-nil for Install/Upgrade/Downgrade
	oldTrove *types.Trove // previous version, for Upgrade/Downgrade/Remove
	oldFiles []*types.FileEntry
}

// Apply executes req as one atomic Changeset. See the package doc for
// the full phase list; phase numbers below are cross-referenced there.
func (e *Engine) Apply(ctx context.Context, req Request) (*types.Changeset, error) {
	logger := log.WithComponent("txn")
	timer := metrics.NewTimer()

	changeset := &types.Changeset{Description: req.Description}
	if err := e.store.CreateChangeset(changeset); err != nil {
		return nil, &errs.DatabaseError{Op: "create-changeset", Err: err}
	}
	logger = log.WithChangesetID(changeset.ID)
	e.publish(events.EventChangesetOpened, changeset.ID, "", req.Description)

	steps, err := e.buildSteps(req)
	if err != nil {
		return nil, err
	}

	// Phase 1: Prepare — every incoming file's content must already be
	// in the CAS; Prepare only verifies, it never fetches.
	if err := checkCancelled(ctx, "prepare"); err != nil {
		return nil, err
	}
	if err := e.prepare(steps); err != nil {
		metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}

	// Phase 2: Pre-check — every target path must be free, owned by a
	// trove this transaction is replacing, or an identical duplicate.
	if err := e.precheck(steps); err != nil {
		metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}

	// Phase 3: Journal open.
	j := buildJournal(changeset, steps)
	if err := e.journals.write(j); err != nil {
		metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}

	// Phase 4: Pre-hooks.
	var executors []*hooks.Executor
	for _, st := range steps {
		if st.plan == nil || st.plan.Hooks.Empty() {
			continue
		}
		ex := hooks.New(e.deployer.InstallRoot(), st.entry.Name)
		if err := ex.ExecutePreHooks(st.plan.Hooks); err != nil {
			for i := len(executors) - 1; i >= 0; i-- {
				executors[i].RevertPreHooks()
			}
			e.journals.remove(changeset.ID)
			metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
			return nil, err
		}
		executors = append(executors, ex)
	}
	if err := checkCancelled(ctx, "pre-hooks"); err != nil {
		for i := len(executors) - 1; i >= 0; i-- {
			executors[i].RevertPreHooks()
		}
		e.journals.remove(changeset.ID)
		return nil, err
	}

	// Phase 5: Deploy.
	deployTimer := metrics.NewTimer()
	deployed, conaryOld, err := e.deploy(steps)
	deployTimer.ObserveDurationVec(metrics.TransactionPhaseDuration, "deploy")
	if err != nil {
		e.rollbackDeploy(deployed, conaryOld)
		for i := len(executors) - 1; i >= 0; i-- {
			executors[i].RevertPreHooks()
		}
		e.journals.remove(changeset.ID)
		metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}

	// Phase 6: Database commit, all in one bbolt transaction. The target
	// status is set on the changeset before CommitApplication runs, since
	// commitChangesetStatus persists whatever Status the passed-in
	// changeset already carries — normally Applied, or RolledBack when
	// this Request is Engine.Rollback's inverse of a past changeset.
	commitTimer := metrics.NewTimer()
	now := time.Now().UTC()
	changeset.AppliedAt = &now
	if req.IsRollback {
		changeset.Status = types.ChangesetRolledBack
	} else {
		changeset.Status = types.ChangesetApplied
	}
	app := buildCommitApplication(changeset, steps)
	if err := e.store.CommitApplication(app); err != nil {
		e.rollbackDeploy(deployed, conaryOld)
		for i := len(executors) - 1; i >= 0; i-- {
			executors[i].RevertPreHooks()
		}
		e.journals.remove(changeset.ID)
		changeset.Status = types.ChangesetPending
		changeset.AppliedAt = nil
		metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}
	commitTimer.ObserveDurationVec(metrics.TransactionPhaseDuration, "commit")

	// Phase 7: Post-deploy cleanup.
	for _, path := range conaryOld {
		if err := e.deployer.RemoveFile(path + ".conary-old"); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to clean up .conary-old")
		}
	}

	// Phase 8: Post-hooks (best-effort) and trigger firing. A fresh
	// Executor per trove is fine here: post-hooks push nothing onto the
	// pre-hook rollback stack, so there is no state to carry over from
	// phase 4's executors.
	for _, st := range steps {
		if st.plan == nil || st.plan.Hooks.Empty() {
			continue
		}
		ex := hooks.New(e.deployer.InstallRoot(), st.entry.Name)
		ex.ExecutePostHooks(st.plan.Hooks)
	}
	e.fireTriggers(deployed)

	// Phase 9: Journal close.
	if err := e.journals.remove(changeset.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to remove journal after commit")
	}

	if err := e.writeSnapshot(changeset.ID, steps); err != nil {
		logger.Warn().Err(err).Msg("failed to persist rollback snapshot")
	}

	timer.ObserveDurationVec(metrics.TransactionPhaseDuration, "total")
	if req.IsRollback {
		metrics.TransactionsTotal.WithLabelValues("rolled_back").Inc()
	} else {
		metrics.TransactionsTotal.WithLabelValues("applied").Inc()
	}
	e.publish(events.EventChangesetApplied, changeset.ID, "", req.Description)
	logger.Info().Int("steps", len(steps)).Msg("changeset applied")
	return changeset, nil
}

func checkCancelled(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return &errs.Cancelled{Op: "txn:" + op}
	default:
		return nil
	}
}

func (e *Engine) publish(t events.EventType, changesetID int64, troveName, msg string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{Type: t, ChangesetID: changesetID, TroveName: troveName, Message: msg})
}

// buildSteps resolves, for every PlanEntry, the previous Trove row (when
// one exists) and its files, so later phases don't need to re-query.
func (e *Engine) buildSteps(req Request) ([]step, error) {
	steps := make([]step, 0, len(req.Plan))
	for _, entry := range req.Plan {
		st := step{entry: entry}
		switch entry.Op {
		case resolver.OpInstall:
			plan, ok := req.Packages[entry.Name]
			if !ok {
				return nil, fmt.Errorf("txn: no package payload supplied for install of %s", entry.Name)
			}
			st.plan = plan
		case resolver.OpUpgrade, resolver.OpDowngrade:
			plan, ok := req.Packages[entry.Name]
			if !ok {
				return nil, fmt.Errorf("txn: no package payload supplied for %s of %s", entry.Op, entry.Name)
			}
			st.plan = plan
			old, err := findTroveByNameVersion(e.store, entry.Name, entry.FromVersion)
			if err != nil {
				return nil, err
			}
			st.oldTrove = old
			if old != nil {
				files, err := e.store.ListFilesByTrove(old.ID)
				if err != nil {
					return nil, err
				}
				st.oldFiles = files
			}
		case resolver.OpRemove:
			old, err := findTroveByNameVersion(e.store, entry.Name, entry.FromVersion)
			if err != nil {
				return nil, err
			}
			if old == nil {
				return nil, fmt.Errorf("txn: remove target %s %s not installed", entry.Name, entry.FromVersion)
			}
			st.oldTrove = old
			files, err := e.store.ListFilesByTrove(old.ID)
			if err != nil {
				return nil, err
			}
			st.oldFiles = files
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func findTroveByNameVersion(store storage.Store, name, version string) (*types.Trove, error) {
	troves, err := store.ListTrovesByName(name)
	if err != nil {
		return nil, err
	}
	for _, t := range troves {
		if t.Version == version {
			return t, nil
		}
	}
	return nil, nil
}

func (e *Engine) prepare(steps []step) error {
	for _, st := range steps {
		if st.plan == nil {
			continue
		}
		for _, f := range st.plan.Files {
			if f.Symlink != "" {
				continue
			}
			if !e.cas.Exists(f.Hash) {
				return &errs.MissingContent{Hash: string(f.Hash)}
			}
		}
	}
	return nil
}

// precheck enforces §4.7 phase 2: every target path must be free,
// belong to a trove this transaction is replacing/removing, or be an
// owned duplicate sharing the incoming content hash.
func (e *Engine) precheck(steps []step) error {
	replacing := map[int64]bool{}
	for _, st := range steps {
		if st.oldTrove != nil {
			replacing[st.oldTrove.ID] = true
		}
	}
	for _, st := range steps {
		if st.plan == nil {
			continue
		}
		for _, f := range st.plan.Files {
			existing, err := e.store.GetFileByPath(f.Path)
			if err != nil || existing == nil {
				if e.deployer.LstatExists(f.Path) {
					return &errs.FileConflict{
						Path:          f.Path,
						OwningTrove:   "untracked",
						IncomingTrove: st.entry.Name,
						Reason:        "path exists on disk but is not tracked by any trove",
					}
				}
				continue // absent: fine
			}
			if replacing[existing.TroveID] {
				continue // owned by a trove being upgraded/removed
			}
			if existing.SHA256Hash == f.Hash.Hex() {
				continue // identical duplicate
			}
			return &errs.FileConflict{
				Path:          f.Path,
				OwningTrove:   fmt.Sprintf("trove#%d", existing.TroveID),
				IncomingTrove: st.entry.Name,
				Reason:        "path already owned by another trove",
			}
		}
	}
	return nil
}

func buildJournal(changeset *types.Changeset, steps []step) *journal {
	j := &journal{ChangesetID: changeset.ID, Description: changeset.Description}
	for _, st := range steps {
		if st.plan != nil {
			for _, f := range st.plan.Files {
				old := ""
				if existing := oldFileHash(st.oldFiles, f.Path); existing != "" {
					old = existing
				}
				j.Deploys = append(j.Deploys, journalDeploy{Path: f.Path, OldHash: old, NewHash: f.Hash.Hex(), Mode: f.Mode})
			}
		}
		if st.entry.Op == resolver.OpRemove {
			for _, f := range st.oldFiles {
				j.Removes = append(j.Removes, journalRemove{Path: f.Path, OldHash: f.SHA256Hash, Mode: f.Permissions})
			}
		}
	}
	return j
}

func oldFileHash(oldFiles []*types.FileEntry, path string) string {
	for _, f := range oldFiles {
		if f.Path == path {
			return f.SHA256Hash
		}
	}
	return ""
}

// deploy performs §4.7 phase 5, returning the full set of paths written
// or removed (for trigger matching) and the subset that got a
// ".conary-old" sibling (for phase 7 cleanup and rollback).
func (e *Engine) deploy(steps []step) (deployed []string, conaryOld []string, err error) {
	for _, st := range steps {
		if st.plan != nil {
			newPaths := map[string]bool{}
			for _, f := range st.plan.Files {
				newPaths[f.Path] = true
				if e.deployer.LstatExists(f.Path) {
					if err := e.deployer.Rename(f.Path, f.Path+".conary-old"); err != nil {
						return deployed, conaryOld, err
					}
					conaryOld = append(conaryOld, f.Path)
				}
				if f.Symlink != "" {
					if err := e.deployer.DeploySymlink(f.Path, f.Symlink); err != nil {
						return deployed, conaryOld, err
					}
				} else if err := e.deployer.DeployFile(f.Path, f.Hash, os.FileMode(f.Mode)); err != nil {
					return deployed, conaryOld, err
				}
				deployed = append(deployed, f.Path)
			}
			// Files the previous version owned that the new version
			// drops entirely (not re-deployed above) are orphaned and
			// removed outright.
			if st.oldTrove != nil {
				for _, f := range st.oldFiles {
					if !newPaths[f.Path] {
						if err := e.deployer.RemoveFile(f.Path); err != nil {
							return deployed, conaryOld, err
						}
					}
				}
			}
		} else if st.entry.Op == resolver.OpRemove {
			for _, f := range st.oldFiles {
				if err := e.deployer.RemoveFile(f.Path); err != nil {
					return deployed, conaryOld, err
				}
				deployed = append(deployed, f.Path)
			}
		}
	}
	return deployed, conaryOld, nil
}

// rollbackDeploy reverses whatever phase 5 managed to write before a
// later phase failed: remove every deployed path, then restore any
// ".conary-old" sibling back to its original name.
func (e *Engine) rollbackDeploy(deployed, conaryOld []string) {
	logger := log.WithComponent("txn")
	for i := len(deployed) - 1; i >= 0; i-- {
		if err := e.deployer.RemoveFile(deployed[i]); err != nil {
			logger.Warn().Err(err).Str("path", deployed[i]).Msg("rollback: failed to remove deployed file")
		}
	}
	for i := len(conaryOld) - 1; i >= 0; i-- {
		path := conaryOld[i]
		if e.deployer.LstatExists(path + ".conary-old") {
			if err := e.deployer.Rename(path+".conary-old", path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("rollback: failed to restore .conary-old")
			}
		}
	}
}

func buildCommitApplication(changeset *types.Changeset, steps []step) storage.CommitApplication {
	app := storage.CommitApplication{Changeset: changeset}
	for _, st := range steps {
		if st.oldTrove != nil {
			app.Entries = append(app.Entries, storage.TroveCommit{RemoveTroveID: st.oldTrove.ID})
		}
		if st.plan != nil {
			entry := storage.TroveCommit{
				Trove:        st.plan.Trove,
				Dependencies: st.plan.Dependencies,
				Provides:     st.plan.Provides,
				Scriptlets:   st.plan.Scriptlets,
			}
			for _, f := range st.plan.Files {
				entry.Files = append(entry.Files, &types.FileEntry{
					Path: f.Path, SHA256Hash: f.Hash.Hex(), Permissions: f.Mode,
					Owner: f.Owner, Group: f.Group, IsConfig: f.IsConfig,
				})
			}
			app.Entries = append(app.Entries, entry)
		}
	}
	return app
}

// fireTriggers runs every enabled Trigger whose Pattern matches at least
// one path this transaction deployed or removed (SUPPLEMENTED FEATURES
// #1), lower Priority first; triggers of equal Priority keep store order.
// Like post-hooks, a trigger failure is logged, never surfaced as a
// transaction failure.
func (e *Engine) fireTriggers(paths []string) {
	triggers, err := e.store.ListTriggers()
	if err != nil {
		log.WithComponent("txn").Warn().Err(err).Msg("failed to list triggers")
		return
	}
	sort.SliceStable(triggers, func(i, j int) bool { return triggers[i].Priority < triggers[j].Priority })
	for _, t := range triggers {
		if !t.Enabled {
			continue
		}
		var matched []string
		for _, pattern := range t.Pattern {
			for _, path := range paths {
				if ok, _ := filepath.Match(pattern, path); ok {
					matched = append(matched, path)
				}
			}
		}
		if len(matched) == 0 {
			continue
		}
		runTrigger(t, matched)
		e.publish(events.EventTriggerFired, 0, "", t.Name)
	}
}
