package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/resolver"
	"github.com/cuemby/conary/pkg/types"
)

// Rollback reverses a previously Applied changeset by applying its
// inverse as a brand-new changeset (§4.7 "Rollback"). Previous versions
// are only recoverable while their CAS objects were not pruned; a
// pruned object surfaces as errs.MissingContent, same as a forward
// Apply whose incoming content is missing.
//
// The original changeset's Status never changes — only its
// ReversedByChangeset pointer and RolledBackAt timestamp are set, once
// the inverse changeset finishes applying. The new changeset itself is
// recorded with ChangesetRolledBack status so the changeset log can
// tell ordinary operations apart from undos.
func (e *Engine) Rollback(ctx context.Context, changesetID int64) (*types.Changeset, error) {
	logger := log.WithComponent("txn")

	original, err := e.store.GetChangeset(changesetID)
	if err != nil {
		return nil, &errs.DatabaseError{Op: "get-changeset", Err: err}
	}
	if original == nil {
		return nil, fmt.Errorf("txn: changeset %d not found", changesetID)
	}
	if original.Status != types.ChangesetApplied {
		return nil, fmt.Errorf("txn: changeset %d is %s, only applied changesets can be rolled back", changesetID, original.Status)
	}
	if original.ReversedByChangeset != 0 {
		return nil, fmt.Errorf("txn: changeset %d was already reversed by changeset %d", changesetID, original.ReversedByChangeset)
	}

	snap, err := e.readSnapshot(changesetID)
	if err != nil {
		return nil, err
	}

	req := Request{
		Description: fmt.Sprintf("rollback of changeset %d", changesetID),
		IsRollback:  true,
		Packages:    map[string]*TrovePlan{},
	}

	for name, before := range snap.Before {
		current, err := currentTroveFromChangeset(e.store, name, changesetID)
		if err != nil {
			return nil, err
		}

		if before == nil {
			// This name was a fresh Install under the original changeset;
			// reversing it means removing whatever is there now.
			if current == nil {
				logger.Warn().Str("trove", name).Msg("rollback: trove already absent, nothing to remove")
				continue
			}
			req.Plan = append(req.Plan, resolver.PlanEntry{Op: resolver.OpRemove, Name: name, FromVersion: current.Version})
			continue
		}

		plan, err := e.buildReinstallPlan(before)
		if err != nil {
			return nil, err
		}
		req.Packages[name] = plan

		if current != nil {
			req.Plan = append(req.Plan, resolver.PlanEntry{
				Op: resolver.OpUpgrade, Name: name,
				FromVersion: current.Version, ToVersion: before.Trove.Version,
			})
		} else {
			// The original changeset removed this trove outright; reversing
			// it reinstalls the previous version fresh.
			req.Plan = append(req.Plan, resolver.PlanEntry{Op: resolver.OpInstall, Name: name, ToVersion: before.Trove.Version})
		}
	}

	if len(req.Plan) == 0 {
		return nil, fmt.Errorf("txn: changeset %d has nothing left to roll back", changesetID)
	}

	newChangeset, err := e.Apply(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("txn: rollback of changeset %d failed: %w", changesetID, err)
	}

	now := time.Now().UTC()
	original.ReversedByChangeset = newChangeset.ID
	original.RolledBackAt = &now
	if err := e.store.UpdateChangeset(original); err != nil {
		logger.Warn().Err(err).Int64("changeset_id", changesetID).Msg("rollback applied but failed to record reversed_by_changeset_id")
	}
	return newChangeset, nil
}

// currentTroveFromChangeset finds the Trove row, if any, that the named
// changeset installed under name and that is still present today.
func currentTroveFromChangeset(store interface {
	ListTrovesByName(name string) ([]*types.Trove, error)
}, name string, changesetID int64) (*types.Trove, error) {
	troves, err := store.ListTrovesByName(name)
	if err != nil {
		return nil, err
	}
	for _, t := range troves {
		if t.InstalledByChangeset == changesetID {
			return t, nil
		}
	}
	return nil, nil
}

// buildReinstallPlan reconstructs a TrovePlan from a trove's pre-change
// snapshot, verifying every file's content is still in the CAS. Row IDs
// are dropped so the commit assigns fresh ones instead of colliding with
// whatever the original rows' IDs happened to be.
func (e *Engine) buildReinstallPlan(before *troveSnapshot) (*TrovePlan, error) {
	plan := &TrovePlan{
		Trove: &types.Trove{
			Name:            before.Trove.Name,
			Version:         before.Trove.Version,
			Architecture:    before.Trove.Architecture,
			Type:            before.Trove.Type,
			InstallReason:   before.Trove.InstallReason,
			SelectionReason: before.Trove.SelectionReason,
			Pinned:          before.Trove.Pinned,
		},
	}
	for _, f := range before.Files {
		h := toHash(f.SHA256Hash)
		if !e.cas.Exists(h) {
			return nil, &errs.MissingContent{Hash: f.SHA256Hash}
		}
		plan.Files = append(plan.Files, FileSpec{
			Path: f.Path, Mode: f.Permissions, Owner: f.Owner, Group: f.Group, IsConfig: f.IsConfig, Hash: h,
		})
	}
	for _, d := range before.Dependencies {
		cp := *d
		cp.ID = 0
		plan.Dependencies = append(plan.Dependencies, &cp)
	}
	for _, p := range before.Provides {
		cp := *p
		cp.ID = 0
		plan.Provides = append(plan.Provides, &cp)
	}
	for _, se := range before.Scriptlets {
		cp := *se
		cp.ID = 0
		plan.Scriptlets = append(plan.Scriptlets, &cp)
	}
	return plan, nil
}
