/*
Package adopt implements Adoption (§4.8): bringing packages the host's
legacy package manager (rpm, dpkg, pacman) already installed under
Conary's own tracking, without reinstalling anything.

A Scanner enumerates what the legacy database reports installed; RPM is
the only Scanner built in, following the original project's own
rpm_query-based adoption path. Two modes control how much content Conary
keeps:

  - Track: only Trove and FileEntry rows are created. No bytes are read.
  - Full: every file's content is additionally hashed and stored into
    the CAS, so a later Rollback or restore can recover it even after
    the legacy package is uninstalled.

Adoption is a no-op for any (name, version) already tracked.
*/
package adopt
