/*
Package types defines the core data structures used throughout Conary.

This package contains all fundamental types that represent Conary's domain
model: installed-package records (Troves), their files and dependencies,
the changesets that mutate them, remote repositories, redirects between
package identities, converted-package provenance, and declarative hooks.
These types are used by every other package for persistence, conversion,
resolution, and transaction processing.

# Core Types

Installed state:
  - Trove: an installed package, collection, or component record
  - FileEntry: one file owned by a Trove
  - DependencyEntry: one dependency edge from a Trove
  - ProvideEntry: one capability a Trove exposes
  - ScriptletEntry: a verbatim scriptlet kept for fallback execution

Transactions:
  - Changeset: one atomic, user-visible operation (Pending/Applied/RolledBack)

Remote state:
  - Repository: a configured package source
  - RepositoryPackage: a snapshot of one package's remote metadata

Identity and provenance:
  - Redirect: a rename/obsolete/merge/split mapping between package identities
  - ConvertedPackage: a record that a foreign artifact has been converted
  - Provenance: supply-chain metadata tied to a Trove
  - Trigger: a glob-matched handler fired on matching file changes

Hooks:
  - Hooks / DetectedHook: the declarative actions (users, groups,
    directories, systemd units, tmpfiles, sysctl, alternatives) a package
    or a converted scriptlet asks the hook executor to perform

All types are plain structs with no behavior; validation and lifecycle
rules live in the packages that operate on them (pkg/storage, pkg/txn,
pkg/resolver, pkg/convert).
*/
package types
