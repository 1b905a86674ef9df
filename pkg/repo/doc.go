/*
Package repo implements repository synchronization: fetching each
configured Repository's package index and recording it as
RepositoryPackage rows the resolver can search (via
storage.FindRepositoryPackage) when a requested dependency isn't already
installed.

Per §5's concurrency model, syncing multiple repositories is one of the
two places parallelism is allowed: Syncer.SyncAll fans out one goroutine
per enabled repository, each under its own timeout and writing its own
independent batch of rows, so one slow or failing repository never
blocks another.
*/
package repo
