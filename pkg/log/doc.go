/*
Package log provides structured logging for Conary using zerolog.

It wraps zerolog to give every subsystem (CAS, transaction engine,
resolver, conversion pipeline, hook executor) a component-tagged logger
with a consistent set of structured fields, so a single changeset's
progress can be grepped out of a shared log stream.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("txn")
	logger.Info().Int64("changeset_id", cs.ID).Msg("phase: deploy")

# Fields

	WithComponent(name)    — "component": name
	WithChangesetID(id)    — "changeset_id": id
	WithTroveID(id)        — "trove_id": id
	WithPath(path)         — "path": path

Console output (human-readable, default) and JSON output (for log
aggregation) are both supported; pick with Config.JSONOutput.
*/
package log
