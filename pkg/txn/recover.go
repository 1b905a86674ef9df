package txn

import (
	"os"

	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/metrics"
	"github.com/cuemby/conary/pkg/types"
)

// Recover scans the journal directory for journals left behind by a
// crash and reconciles each one against the changeset it names (§4.7
// "crash between 5 and 6" / "crash between 6 and 7"). Call once at
// daemon startup before accepting new transactions.
func (e *Engine) Recover() error {
	logger := log.WithComponent("txn")
	orphans, err := e.journals.listOrphans()
	if err != nil {
		return err
	}
	for _, j := range orphans {
		changeset, err := e.store.GetChangeset(j.ChangesetID)
		if err != nil {
			// Journal outlived its changeset row somehow; nothing to
			// reconcile against, so just discard it.
			logger.Warn().Int64("changeset_id", j.ChangesetID).Msg("orphaned journal has no matching changeset, discarding")
			e.journals.remove(j.ChangesetID)
			continue
		}

		switch changeset.Status {
		case types.ChangesetApplied:
			// Crash between phase 6 and phase 9: the database commit
			// already landed. Only the filesystem-side cleanup and the
			// journal itself remain.
			e.sweepConaryOld(j)
		default:
			// Crash between phase 3 and phase 6: the database commit
			// never landed, so every deploy this journal records must
			// be undone.
			e.reverseDeploys(j)
		}

		if err := e.journals.remove(j.ChangesetID); err != nil {
			logger.Warn().Err(err).Int64("changeset_id", j.ChangesetID).Msg("failed to remove recovered journal")
		}
		metrics.JournalsRecoveredTotal.Inc()
		logger.Info().Int64("changeset_id", j.ChangesetID).Str("status", string(changeset.Status)).Msg("recovered orphaned journal")
	}
	return nil
}

func (e *Engine) sweepConaryOld(j *journal) {
	logger := log.WithComponent("txn")
	for _, d := range j.Deploys {
		if d.OldHash == "" {
			continue
		}
		if err := e.deployer.RemoveFile(d.Path + ".conary-old"); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", d.Path).Msg("failed to sweep .conary-old during recovery")
		}
	}
}

func (e *Engine) reverseDeploys(j *journal) {
	logger := log.WithComponent("txn")
	for _, d := range j.Deploys {
		if err := e.deployer.RemoveFile(d.Path); err != nil {
			logger.Warn().Err(err).Str("path", d.Path).Msg("recovery: failed to remove undeployed file")
		}
		if d.OldHash == "" {
			continue
		}
		if e.deployer.LstatExists(d.Path + ".conary-old") {
			if err := e.deployer.Rename(d.Path+".conary-old", d.Path); err != nil {
				logger.Warn().Err(err).Str("path", d.Path).Msg("recovery: failed to restore .conary-old")
			}
			continue
		}
		// No ".conary-old" sibling survived the crash (it may never
		// have been created, or was itself lost); best effort is to
		// restore the previous content straight from the CAS when we
		// still have it.
		if e.cas.Exists(toHash(d.OldHash)) {
			if err := e.deployer.DeployFile(d.Path, toHash(d.OldHash), 0o644); err != nil {
				logger.Warn().Err(err).Str("path", d.Path).Msg("recovery: failed to restore previous content from CAS")
			}
		}
	}
	for _, r := range j.Removes {
		if r.OldHash == "" || e.deployer.FileExists(r.Path) {
			continue
		}
		if e.cas.Exists(toHash(r.OldHash)) {
			if err := e.deployer.DeployFile(r.Path, toHash(r.OldHash), os.FileMode(r.Mode)); err != nil {
				logger.Warn().Err(err).Str("path", r.Path).Msg("recovery: failed to restore removed file")
			}
		}
	}
}
