package storage

import "github.com/cuemby/conary/pkg/types"

// Store is the Metadata Store's public contract: single-writer,
// transactional persistence for every entity in §3 of the data model,
// plus the derived queries the core relies on (by-name lookup, file
// lookup by path and glob, reverse-dependency lookup, capability
// lookup, reason-based lookup, and dependency tree traversal).
//
// Implemented by BoltStore using go.etcd.io/bbolt, whose single-writer,
// many-reader transaction model gives the SERIALIZABLE semantics the
// spec asks for without an external database process.
type Store interface {
	// Troves
	CreateTrove(t *types.Trove) error
	GetTrove(id int64) (*types.Trove, error)
	GetTroveByNVA(name, version, arch string) (*types.Trove, error)
	ListTrovesByName(name string) ([]*types.Trove, error)
	ListTroves() ([]*types.Trove, error)
	ListTrovesByReason(reason types.InstallReason) ([]*types.Trove, error)
	UpdateTrove(t *types.Trove) error
	DeleteTrove(id int64) error // cascades files, dependencies, provides, scriptlets, provenance

	// Files
	CreateFileEntry(f *types.FileEntry) error
	GetFileByPath(path string) (*types.FileEntry, error)
	ListFilesByTrove(troveID int64) ([]*types.FileEntry, error)
	ListFilesByGlob(pattern string) ([]*types.FileEntry, error)
	DeleteFileEntry(id int64) error

	// Dependencies
	CreateDependencyEntry(d *types.DependencyEntry) error
	ListDependenciesByTrove(troveID int64) ([]*types.DependencyEntry, error)
	ListDependents(name string) ([]*types.DependencyEntry, error) // "what depends on X"
	DeleteDependenciesByTrove(troveID int64) error

	// Provides
	CreateProvideEntry(p *types.ProvideEntry) error
	ListProvidesByTrove(troveID int64) ([]*types.ProvideEntry, error)
	ListProviders(capability string) ([]*types.ProvideEntry, error)
	DeleteProvidesByTrove(troveID int64) error

	// Scriptlets
	CreateScriptletEntry(s *types.ScriptletEntry) error
	ListScriptletsByTrove(troveID int64) ([]*types.ScriptletEntry, error)
	DeleteScriptletsByTrove(troveID int64) error

	// Changesets
	CreateChangeset(c *types.Changeset) error
	GetChangeset(id int64) (*types.Changeset, error)
	UpdateChangeset(c *types.Changeset) error
	ListChangesets() ([]*types.Changeset, error)

	// Repositories
	CreateRepository(r *types.Repository) error
	GetRepository(id int64) (*types.Repository, error)
	GetRepositoryByName(name string) (*types.Repository, error)
	ListRepositories() ([]*types.Repository, error)
	UpdateRepository(r *types.Repository) error
	DeleteRepository(id int64) error

	// Repository packages
	ReplaceRepositoryPackages(repoID int64, pkgs []*types.RepositoryPackage) error
	ListRepositoryPackages(repoID int64) ([]*types.RepositoryPackage, error)
	FindRepositoryPackage(name, constraint string) ([]*types.RepositoryPackage, error)

	// Redirects
	CreateRedirect(r *types.Redirect) error
	ListRedirectsFrom(name string) ([]*types.Redirect, error)
	ListRedirects() ([]*types.Redirect, error)

	// Converted packages
	GetConvertedPackage(format types.OriginalFormat, checksum string) (*types.ConvertedPackage, error)
	UpsertConvertedPackage(c *types.ConvertedPackage) error
	DeleteConvertedPackage(id int64) error

	// Triggers
	CreateTrigger(t *types.Trigger) error
	ListTriggers() ([]*types.Trigger, error)
	UpdateTrigger(t *types.Trigger) error

	// Provenance
	SetProvenance(p *types.Provenance) error
	GetProvenance(troveID int64) (*types.Provenance, error)

	// CommitApplication performs §4.7 phase 6 ("Database commit"): every
	// TroveCommit's upserts and cascaded removal, plus the Changeset's
	// terminal status, land in one underlying database transaction, so a
	// crash either lands all of it or none of it.
	CommitApplication(app CommitApplication) error

	// Utility
	Close() error
}

// TroveCommit is one Trove's worth of row changes to apply as part of a
// CommitApplication. A zero Trove with RemoveTroveID set commits a pure
// removal (the cascade that DeleteTrove performs, without its own
// separate transaction).
type TroveCommit struct {
	Trove         *types.Trove // nil when this entry is a pure removal
	Files         []*types.FileEntry
	Dependencies  []*types.DependencyEntry
	Provides      []*types.ProvideEntry
	Scriptlets    []*types.ScriptletEntry
	RemoveTroveID int64 // nonzero: delete this trove and cascade its rows; the other fields are ignored
}

// CommitApplication is the unit §4.7 phase 6 commits atomically: the row
// changes for every Trove touched by a Changeset, and the Changeset's own
// terminal status update.
type CommitApplication struct {
	Entries   []TroveCommit
	Changeset *types.Changeset
}
