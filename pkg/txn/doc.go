/*
Package txn implements the Transaction Engine (§4.7): it executes a
resolved resolver.Result as a single atomic, user-visible Changeset with
crash recovery.

# Phases

Each phase has a well-defined rollback, documented on Engine.Apply:

 1. Prepare       - verify every file's content is present in the CAS.
 2. Pre-check     - every target path is free, owned by a trove being
                     replaced, or an identical duplicate.
 3. Journal open  - record the plan to disk before touching anything.
 4. Pre-hooks     - create users, groups, directories.
 5. Deploy        - materialize files in plan order, shuffling any
                     replaced file aside to "<path>.conary-old".
 6. DB commit     - one storage.CommitApplication call.
 7. Cleanup       - delete the ".conary-old" files.
 8. Post-hooks    - enable units, apply tmpfiles/sysctl, register
                     alternatives (best-effort); fire matching triggers.
 9. Journal close - remove the journal.

Engine.Recover scans the journal directory on startup for journals left
behind by a crash between phases 3 and 9, and undoes whatever phase 5
managed to do before the crash. Engine.Rollback constructs and applies
the inverse of a previously Applied changeset.
*/
package txn
