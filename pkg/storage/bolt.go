/*
Package storage implements the Metadata Store: a single-file embedded
relational database holding every Trove, FileEntry, DependencyEntry,
ProvideEntry, ScriptletEntry, Changeset, Repository, RepositoryPackage,
Redirect, ConvertedPackage, Trigger and Provenance row.

# Architecture

Backed by BoltDB (bbolt), the same single-writer, many-reader embedded
store the teacher codebase uses for cluster state:

	┌─────────────────── BOLTDB METADATA STORE ─────────────────┐
	│  File: <dataDir>/conary.db                                 │
	│  Transactions: db.View() for reads, db.Update() for writes │
	│  Isolation: MVCC snapshot reads, serialized writes         │
	│                                                             │
	│  Buckets (one per entity, JSON-encoded values):            │
	│    troves, files, dependencies, provides, scriptlets,      │
	│    changesets, repositories, repo_packages, redirects,      │
	│    converted_packages, triggers, provenance                │
	│                                                             │
	│  Secondary-index buckets (value -> id, for uniqueness and  │
	│  direct lookup without a full scan):                        │
	│    trove_nva_idx, file_path_idx, converted_checksum_idx     │
	└─────────────────────────────────────────────────────────────┘

A single bbolt transaction gives the atomic, multi-row commits §4.7's
transaction engine needs (insert/update Trove, FileEntry,
DependencyEntry, ProvideEntry, ScriptletEntry and mark the Changeset
Applied, all-or-nothing).

# CRUD and query pattern

Most list operations follow the teacher's "list all, filter in memory"
pattern (ListFilesByGlob, ListDependents, ListProviders): at the scale a
single host's package database reaches, a full bucket scan is simpler
and fast enough, and secondary indexes are reserved for lookups that are
genuinely hot (by-path, by-NVA, by-checksum).
*/
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTroves            = []byte("troves")
	bucketFiles              = []byte("files")
	bucketDependencies       = []byte("dependencies")
	bucketProvides           = []byte("provides")
	bucketScriptlets         = []byte("scriptlets")
	bucketChangesets         = []byte("changesets")
	bucketRepositories       = []byte("repositories")
	bucketRepoPackages       = []byte("repo_packages")
	bucketRedirects          = []byte("redirects")
	bucketConvertedPackages  = []byte("converted_packages")
	bucketTriggers           = []byte("triggers")
	bucketProvenance         = []byte("provenance")

	bucketTroveNVAIdx       = []byte("trove_nva_idx")
	bucketFilePathIdx       = []byte("file_path_idx")
	bucketConvertedChecksumIdx = []byte("converted_checksum_idx")

	allBuckets = [][]byte{
		bucketTroves, bucketFiles, bucketDependencies, bucketProvides,
		bucketScriptlets, bucketChangesets, bucketRepositories,
		bucketRepoPackages, bucketRedirects, bucketConvertedPackages,
		bucketTriggers, bucketProvenance,
		bucketTroveNVAIdx, bucketFilePathIdx, bucketConvertedChecksumIdx,
	}
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the metadata store at
// <dataDir>/conary.db and runs pending migrations.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conary.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, &errs.DatabaseError{Op: "open", Err: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &errs.DatabaseError{Op: "init-buckets", Err: err}
	}

	s := &BoltStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

func itob(id int64) []byte { return []byte(fmt.Sprintf("%020d", id)) }

func nvaKey(name, version, arch string) []byte {
	return []byte(name + "\x00" + version + "\x00" + arch)
}

func checksumKey(format types.OriginalFormat, checksum string) []byte {
	return []byte(string(format) + "\x00" + checksum)
}

// ---- Troves ----

func (s *BoltStore) CreateTrove(t *types.Trove) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTroves)
		idx := tx.Bucket(bucketTroveNVAIdx)

		key := nvaKey(t.Name, t.Version, t.Architecture)
		if existing := idx.Get(key); existing != nil {
			return &errs.DatabaseError{Op: "create-trove", Err: fmt.Errorf("trove %s %s %s already exists", t.Name, t.Version, t.Architecture)}
		}

		if t.ID == 0 {
			seq, _ := b.NextSequence()
			t.ID = int64(seq)
		}
		if t.InstalledAt.IsZero() {
			t.InstalledAt = time.Now().UTC()
		}

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := b.Put(itob(t.ID), data); err != nil {
			return err
		}
		return idx.Put(key, itob(t.ID))
	})
}

func (s *BoltStore) GetTrove(id int64) (*types.Trove, error) {
	var t types.Trove
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTroves).Get(itob(id))
		if data == nil {
			return &errs.DatabaseError{Op: "get-trove", Err: fmt.Errorf("trove %d not found", id)}
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) GetTroveByNVA(name, version, arch string) (*types.Trove, error) {
	var t types.Trove
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketTroveNVAIdx)
		idBytes := idx.Get(nvaKey(name, version, arch))
		if idBytes == nil {
			return &errs.DatabaseError{Op: "get-trove-nva", Err: fmt.Errorf("trove %s %s %s not found", name, version, arch)}
		}
		data := tx.Bucket(bucketTroves).Get(idBytes)
		if data == nil {
			return &errs.DatabaseError{Op: "get-trove-nva", Err: fmt.Errorf("trove index inconsistent for %s", name)}
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTroves() ([]*types.Trove, error) {
	var troves []*types.Trove
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTroves).ForEach(func(_, v []byte) error {
			var t types.Trove
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			troves = append(troves, &t)
			return nil
		})
	})
	return troves, err
}

func (s *BoltStore) ListTrovesByName(name string) ([]*types.Trove, error) {
	all, err := s.ListTroves()
	if err != nil {
		return nil, err
	}
	var out []*types.Trove
	for _, t := range all {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) ListTrovesByReason(reason types.InstallReason) ([]*types.Trove, error) {
	all, err := s.ListTroves()
	if err != nil {
		return nil, err
	}
	var out []*types.Trove
	for _, t := range all {
		if t.InstallReason == reason {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateTrove(t *types.Trove) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTroves)
		if b.Get(itob(t.ID)) == nil {
			return &errs.DatabaseError{Op: "update-trove", Err: fmt.Errorf("trove %d not found", t.ID)}
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(itob(t.ID), data)
	})
}

// DeleteTrove removes the Trove and cascades to its FileEntry,
// DependencyEntry, ProvideEntry, ScriptletEntry and Provenance rows, all
// inside one transaction.
func (s *BoltStore) DeleteTrove(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		troves := tx.Bucket(bucketTroves)
		data := troves.Get(itob(id))
		if data == nil {
			return &errs.DatabaseError{Op: "delete-trove", Err: fmt.Errorf("trove %d not found", id)}
		}
		var t types.Trove
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}

		if err := troves.Delete(itob(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTroveNVAIdx).Delete(nvaKey(t.Name, t.Version, t.Architecture)); err != nil {
			return err
		}

		if err := deleteWhereTrove(tx, bucketFiles, id, func(v []byte) (int64, string, error) {
			var f types.FileEntry
			if err := json.Unmarshal(v, &f); err != nil {
				return 0, "", err
			}
			return f.TroveID, f.Path, nil
		}, tx.Bucket(bucketFilePathIdx)); err != nil {
			return err
		}
		if err := deleteWhereTroveSimple(tx, bucketDependencies, id, func(v []byte) (int64, error) {
			var d types.DependencyEntry
			if err := json.Unmarshal(v, &d); err != nil {
				return 0, err
			}
			return d.TroveID, nil
		}); err != nil {
			return err
		}
		if err := deleteWhereTroveSimple(tx, bucketProvides, id, func(v []byte) (int64, error) {
			var p types.ProvideEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return 0, err
			}
			return p.TroveID, nil
		}); err != nil {
			return err
		}
		if err := deleteWhereTroveSimple(tx, bucketScriptlets, id, func(v []byte) (int64, error) {
			var se types.ScriptletEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return 0, err
			}
			return se.TroveID, nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketProvenance).Delete(itob(id))
	})
}

// deleteWhereTroveSimple scans bucket and deletes every entry whose
// extracted trove id matches troveID.
func deleteWhereTroveSimple(tx *bolt.Tx, bucket []byte, troveID int64, extract func([]byte) (int64, error)) error {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	var toDelete [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		tid, err := extract(v)
		if err != nil {
			return err
		}
		if tid == troveID {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// deleteWhereTrove additionally removes a secondary-index entry keyed by
// the extracted path, used for bucketFiles/bucketFilePathIdx.
func deleteWhereTrove(tx *bolt.Tx, bucket []byte, troveID int64, extract func([]byte) (int64, string, error), idx *bolt.Bucket) error {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	type del struct {
		key  []byte
		path string
	}
	var toDelete []del
	for k, v := c.First(); k != nil; k, v = c.Next() {
		tid, path, err := extract(v)
		if err != nil {
			return err
		}
		if tid == troveID {
			toDelete = append(toDelete, del{key: append([]byte{}, k...), path: path})
		}
	}
	for _, d := range toDelete {
		if err := b.Delete(d.key); err != nil {
			return err
		}
		if idx != nil {
			if err := idx.Delete([]byte(d.path)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---- Files ----

func (s *BoltStore) CreateFileEntry(f *types.FileEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		idx := tx.Bucket(bucketFilePathIdx)

		if f.ID == 0 {
			seq, _ := b.NextSequence()
			f.ID = int64(seq)
		}
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := b.Put(itob(f.ID), data); err != nil {
			return err
		}
		return idx.Put([]byte(f.Path), itob(f.ID))
	})
}

func (s *BoltStore) GetFileByPath(path string) (*types.FileEntry, error) {
	var f types.FileEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketFilePathIdx).Get([]byte(path))
		if idBytes == nil {
			return &errs.DatabaseError{Op: "get-file", Err: fmt.Errorf("file %s not found", path)}
		}
		data := tx.Bucket(bucketFiles).Get(idBytes)
		if data == nil {
			return &errs.DatabaseError{Op: "get-file", Err: fmt.Errorf("file index inconsistent for %s", path)}
		}
		return json.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) ListFilesByTrove(troveID int64) ([]*types.FileEntry, error) {
	var out []*types.FileEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var f types.FileEntry
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.TroveID == troveID {
				out = append(out, &f)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListFilesByGlob(pattern string) ([]*types.FileEntry, error) {
	var out []*types.FileEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var f types.FileEntry
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			match, err := filepath.Match(pattern, f.Path)
			if err != nil {
				return err
			}
			if match {
				out = append(out, &f)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteFileEntry(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get(itob(id))
		if data == nil {
			return nil
		}
		var f types.FileEntry
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketFilePathIdx).Delete([]byte(f.Path))
	})
}

// ---- Dependencies ----

func (s *BoltStore) CreateDependencyEntry(d *types.DependencyEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDependencies)
		if d.ID == 0 {
			seq, _ := b.NextSequence()
			d.ID = int64(seq)
		}
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put(itob(d.ID), data)
	})
}

func (s *BoltStore) ListDependenciesByTrove(troveID int64) ([]*types.DependencyEntry, error) {
	var out []*types.DependencyEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDependencies).ForEach(func(_, v []byte) error {
			var d types.DependencyEntry
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.TroveID == troveID {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

// ListDependents answers "what depends on X": every DependencyEntry row
// naming X as DependsOnName.
func (s *BoltStore) ListDependents(name string) ([]*types.DependencyEntry, error) {
	var out []*types.DependencyEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDependencies).ForEach(func(_, v []byte) error {
			var d types.DependencyEntry
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.DependsOnName == name {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteDependenciesByTrove(troveID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteWhereTroveSimple(tx, bucketDependencies, troveID, func(v []byte) (int64, error) {
			var d types.DependencyEntry
			if err := json.Unmarshal(v, &d); err != nil {
				return 0, err
			}
			return d.TroveID, nil
		})
	})
}

// ---- Provides ----

func (s *BoltStore) CreateProvideEntry(p *types.ProvideEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProvides)
		if p.ID == 0 {
			seq, _ := b.NextSequence()
			p.ID = int64(seq)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(itob(p.ID), data)
	})
}

func (s *BoltStore) ListProvidesByTrove(troveID int64) ([]*types.ProvideEntry, error) {
	var out []*types.ProvideEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProvides).ForEach(func(_, v []byte) error {
			var p types.ProvideEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.TroveID == troveID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

// ListProviders answers "what provides Y": every ProvideEntry matching
// capability, across all troves (ambiguity resolution is the resolver's
// job, not the store's).
func (s *BoltStore) ListProviders(capability string) ([]*types.ProvideEntry, error) {
	var out []*types.ProvideEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProvides).ForEach(func(_, v []byte) error {
			var p types.ProvideEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Capability == capability {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteProvidesByTrove(troveID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteWhereTroveSimple(tx, bucketProvides, troveID, func(v []byte) (int64, error) {
			var p types.ProvideEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return 0, err
			}
			return p.TroveID, nil
		})
	})
}

// ---- Scriptlets ----

func (s *BoltStore) CreateScriptletEntry(se *types.ScriptletEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScriptlets)
		for _, v := range mustAll(b) {
			var existing types.ScriptletEntry
			if err := json.Unmarshal(v, &existing); err == nil {
				if existing.TroveID == se.TroveID && existing.Phase == se.Phase {
					return &errs.DatabaseError{Op: "create-scriptlet", Err: fmt.Errorf("scriptlet already exists for trove %d phase %s", se.TroveID, se.Phase)}
				}
			}
		}
		if se.ID == 0 {
			seq, _ := b.NextSequence()
			se.ID = int64(seq)
		}
		data, err := json.Marshal(se)
		if err != nil {
			return err
		}
		return b.Put(itob(se.ID), data)
	})
}

func mustAll(b *bolt.Bucket) [][]byte {
	var out [][]byte
	_ = b.ForEach(func(_, v []byte) error {
		out = append(out, append([]byte{}, v...))
		return nil
	})
	return out
}

func (s *BoltStore) ListScriptletsByTrove(troveID int64) ([]*types.ScriptletEntry, error) {
	var out []*types.ScriptletEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScriptlets).ForEach(func(_, v []byte) error {
			var se types.ScriptletEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return err
			}
			if se.TroveID == troveID {
				out = append(out, &se)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteScriptletsByTrove(troveID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteWhereTroveSimple(tx, bucketScriptlets, troveID, func(v []byte) (int64, error) {
			var se types.ScriptletEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return 0, err
			}
			return se.TroveID, nil
		})
	})
}

// ---- Changesets ----

func (s *BoltStore) CreateChangeset(c *types.Changeset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChangesets)
		if c.ID == 0 {
			seq, _ := b.NextSequence()
			c.ID = int64(seq)
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		if c.Status == "" {
			c.Status = types.ChangesetPending
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(itob(c.ID), data)
	})
}

func (s *BoltStore) GetChangeset(id int64) (*types.Changeset, error) {
	var c types.Changeset
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChangesets).Get(itob(id))
		if data == nil {
			return &errs.DatabaseError{Op: "get-changeset", Err: fmt.Errorf("changeset %d not found", id)}
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateChangeset enforces the one-way status transition invariant:
// Pending may move to Applied or RolledBack; Applied may only gain a
// ReversedByChangeset pointer. Any other transition is rejected.
func (s *BoltStore) UpdateChangeset(c *types.Changeset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChangesets)
		data := b.Get(itob(c.ID))
		if data == nil {
			return &errs.DatabaseError{Op: "update-changeset", Err: fmt.Errorf("changeset %d not found", c.ID)}
		}
		var existing types.Changeset
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if err := validateChangesetTransition(existing.Status, c.Status); err != nil {
			return &errs.DatabaseError{Op: "update-changeset", Err: err}
		}
		newData, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(itob(c.ID), newData)
	})
}

func validateChangesetTransition(from, to types.ChangesetStatus) error {
	if from == to {
		return nil
	}
	switch from {
	case types.ChangesetPending:
		if to == types.ChangesetApplied || to == types.ChangesetRolledBack {
			return nil
		}
	case types.ChangesetApplied:
		// Applied changesets never change status themselves; only
		// reversed_by_changeset_id is set, which does not alter Status.
	}
	return fmt.Errorf("invalid changeset status transition %s -> %s", from, to)
}

func (s *BoltStore) ListChangesets() ([]*types.Changeset, error) {
	var out []*types.Changeset
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChangesets).ForEach(func(_, v []byte) error {
			var c types.Changeset
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// ---- Repositories ----

func (s *BoltStore) CreateRepository(r *types.Repository) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		for _, v := range mustAll(b) {
			var existing types.Repository
			if json.Unmarshal(v, &existing) == nil && existing.Name == r.Name {
				return &errs.DatabaseError{Op: "create-repository", Err: fmt.Errorf("repository %s already exists", r.Name)}
			}
		}
		if r.ID == 0 {
			seq, _ := b.NextSequence()
			r.ID = int64(seq)
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(itob(r.ID), data)
	})
}

func (s *BoltStore) GetRepository(id int64) (*types.Repository, error) {
	var r types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRepositories).Get(itob(id))
		if data == nil {
			return &errs.DatabaseError{Op: "get-repository", Err: fmt.Errorf("repository %d not found", id)}
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) GetRepositoryByName(name string) (*types.Repository, error) {
	repos, err := s.ListRepositories()
	if err != nil {
		return nil, err
	}
	for _, r := range repos {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, &errs.DatabaseError{Op: "get-repository-by-name", Err: fmt.Errorf("repository %s not found", name)}
}

func (s *BoltStore) ListRepositories() ([]*types.Repository, error) {
	var out []*types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).ForEach(func(_, v []byte) error {
			var r types.Repository
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	// Priority order, ties broken by name, per §3.
	sortRepositories(out)
	return out, err
}

func sortRepositories(repos []*types.Repository) {
	for i := 1; i < len(repos); i++ {
		for j := i; j > 0; j-- {
			a, b := repos[j-1], repos[j]
			if a.Priority > b.Priority || (a.Priority == b.Priority && a.Name > b.Name) {
				repos[j-1], repos[j] = repos[j], repos[j-1]
			} else {
				break
			}
		}
	}
}

func (s *BoltStore) UpdateRepository(r *types.Repository) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		if b.Get(itob(r.ID)) == nil {
			return &errs.DatabaseError{Op: "update-repository", Err: fmt.Errorf("repository %d not found", r.ID)}
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(itob(r.ID), data)
	})
}

func (s *BoltStore) DeleteRepository(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).Delete(itob(id))
	})
}

// ---- Repository packages ----

// ReplaceRepositoryPackages atomically swaps out every RepositoryPackage
// row for repoID with pkgs, the snapshot produced by a successful sync.
func (s *BoltStore) ReplaceRepositoryPackages(repoID int64, pkgs []*types.RepositoryPackage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepoPackages)
		if err := deleteWhereTroveSimple(tx, bucketRepoPackages, repoID, func(v []byte) (int64, error) {
			var p types.RepositoryPackage
			if err := json.Unmarshal(v, &p); err != nil {
				return 0, err
			}
			return p.RepositoryID, nil
		}); err != nil {
			return err
		}
		for _, p := range pkgs {
			p.RepositoryID = repoID
			if p.ID == 0 {
				seq, _ := b.NextSequence()
				p.ID = int64(seq)
			}
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(itob(p.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListRepositoryPackages(repoID int64) ([]*types.RepositoryPackage, error) {
	var out []*types.RepositoryPackage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepoPackages).ForEach(func(_, v []byte) error {
			var p types.RepositoryPackage
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.RepositoryID == repoID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

// FindRepositoryPackage returns every RepositoryPackage row named name;
// constraint is informational here (filtering by version constraint is
// the resolver's job, which already has a version comparator).
func (s *BoltStore) FindRepositoryPackage(name, constraint string) ([]*types.RepositoryPackage, error) {
	var out []*types.RepositoryPackage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepoPackages).ForEach(func(_, v []byte) error {
			var p types.RepositoryPackage
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Name == name {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

// ---- Redirects ----

func (s *BoltStore) CreateRedirect(r *types.Redirect) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRedirects)
		if r.ID == 0 {
			seq, _ := b.NextSequence()
			r.ID = int64(seq)
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(itob(r.ID), data)
	})
}

func (s *BoltStore) ListRedirectsFrom(name string) ([]*types.Redirect, error) {
	var out []*types.Redirect
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRedirects).ForEach(func(_, v []byte) error {
			var r types.Redirect
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.SourceName == name {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListRedirects() ([]*types.Redirect, error) {
	var out []*types.Redirect
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRedirects).ForEach(func(_, v []byte) error {
			var r types.Redirect
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

// ---- Converted packages ----

func (s *BoltStore) GetConvertedPackage(format types.OriginalFormat, checksum string) (*types.ConvertedPackage, error) {
	var c types.ConvertedPackage
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketConvertedChecksumIdx).Get(checksumKey(format, checksum))
		if idBytes == nil {
			return &errs.DatabaseError{Op: "get-converted", Err: fmt.Errorf("no converted package for %s:%s", format, checksum)}
		}
		data := tx.Bucket(bucketConvertedPackages).Get(idBytes)
		if data == nil {
			return &errs.DatabaseError{Op: "get-converted", Err: fmt.Errorf("converted package index inconsistent")}
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConvertedPackage inserts or replaces the row keyed by
// (OriginalFormat, OriginalChecksum); the conversion pipeline deletes a
// stale row itself (differing algorithm version) before calling this.
func (s *BoltStore) UpsertConvertedPackage(c *types.ConvertedPackage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConvertedPackages)
		idx := tx.Bucket(bucketConvertedChecksumIdx)
		key := checksumKey(c.OriginalFormat, c.OriginalChecksum)

		if c.ID == 0 {
			if existingID := idx.Get(key); existingID != nil {
				id, err := strconv.ParseInt(string(existingID), 10, 64)
				if err != nil {
					return fmt.Errorf("parse converted-package index id: %w", err)
				}
				c.ID = id
			} else {
				seq, _ := b.NextSequence()
				c.ID = int64(seq)
			}
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := b.Put(itob(c.ID), data); err != nil {
			return err
		}
		return idx.Put(key, itob(c.ID))
	})
}

func (s *BoltStore) DeleteConvertedPackage(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConvertedPackages)
		data := b.Get(itob(id))
		if data == nil {
			return nil
		}
		var c types.ConvertedPackage
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketConvertedChecksumIdx).Delete(checksumKey(c.OriginalFormat, c.OriginalChecksum))
	})
}

// ---- Triggers ----

func (s *BoltStore) CreateTrigger(t *types.Trigger) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTriggers)
		if t.ID == 0 {
			seq, _ := b.NextSequence()
			t.ID = int64(seq)
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(itob(t.ID), data)
	})
}

func (s *BoltStore) ListTriggers() ([]*types.Trigger, error) {
	var out []*types.Trigger
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTriggers).ForEach(func(_, v []byte) error {
			var t types.Trigger
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

// UpdateTrigger supports disabling a built-in trigger but refuses to
// delete it; disabling is just Enabled=false via this same call.
func (s *BoltStore) UpdateTrigger(t *types.Trigger) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTriggers)
		data := b.Get(itob(t.ID))
		if data == nil {
			return &errs.DatabaseError{Op: "update-trigger", Err: fmt.Errorf("trigger %d not found", t.ID)}
		}
		var existing types.Trigger
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if existing.Builtin && !t.Builtin {
			return &errs.DatabaseError{Op: "update-trigger", Err: fmt.Errorf("built-in trigger %s cannot be un-marked builtin", existing.Name)}
		}
		newData, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(itob(t.ID), newData)
	})
}

// ---- Provenance ----

func (s *BoltStore) SetProvenance(p *types.Provenance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProvenance).Put(itob(p.TroveID), data)
	})
}

func (s *BoltStore) GetProvenance(troveID int64) (*types.Provenance, error) {
	var p types.Provenance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProvenance).Get(itob(troveID))
		if data == nil {
			return &errs.DatabaseError{Op: "get-provenance", Err: fmt.Errorf("no provenance for trove %d", troveID)}
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ---- Transactional commit (§4.7 phase 6) ----

// CommitApplication lands every entry's row changes and the Changeset's
// terminal status in a single bbolt write transaction: either all of it
// is durable or, on a crash before Commit, none of it is. The Transaction
// Engine is what makes this all-or-nothing meaningful at the changeset
// level (journal + phase ordering cover everything before this point);
// this method is what makes it true at the bucket level.
func (s *BoltStore) CommitApplication(app CommitApplication) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, entry := range app.Entries {
			if entry.RemoveTroveID != 0 {
				if err := commitRemoveTrove(tx, entry.RemoveTroveID); err != nil {
					return err
				}
				continue
			}
			if err := commitUpsertTrove(tx, entry); err != nil {
				return err
			}
		}
		if app.Changeset != nil {
			if err := commitChangesetStatus(tx, app.Changeset); err != nil {
				return err
			}
		}
		return nil
	})
}

func commitUpsertTrove(tx *bolt.Tx, entry TroveCommit) error {
	t := entry.Trove
	troves := tx.Bucket(bucketTroves)
	idx := tx.Bucket(bucketTroveNVAIdx)

	key := nvaKey(t.Name, t.Version, t.Architecture)
	if t.ID == 0 {
		if existing := idx.Get(key); existing != nil {
			return &errs.DatabaseError{Op: "commit-trove", Err: fmt.Errorf("trove %s %s %s already exists", t.Name, t.Version, t.Architecture)}
		}
		seq, _ := troves.NextSequence()
		t.ID = int64(seq)
	}
	if t.InstalledAt.IsZero() {
		t.InstalledAt = time.Now().UTC()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := troves.Put(itob(t.ID), data); err != nil {
		return err
	}
	if err := idx.Put(key, itob(t.ID)); err != nil {
		return err
	}

	files := tx.Bucket(bucketFiles)
	filePathIdx := tx.Bucket(bucketFilePathIdx)
	for _, f := range entry.Files {
		f.TroveID = t.ID
		if f.ID == 0 {
			seq, _ := files.NextSequence()
			f.ID = int64(seq)
		}
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := files.Put(itob(f.ID), data); err != nil {
			return err
		}
		if err := filePathIdx.Put([]byte(f.Path), itob(f.ID)); err != nil {
			return err
		}
	}

	deps := tx.Bucket(bucketDependencies)
	for _, d := range entry.Dependencies {
		d.TroveID = t.ID
		if d.ID == 0 {
			seq, _ := deps.NextSequence()
			d.ID = int64(seq)
		}
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := deps.Put(itob(d.ID), data); err != nil {
			return err
		}
	}

	provides := tx.Bucket(bucketProvides)
	for _, p := range entry.Provides {
		p.TroveID = t.ID
		if p.ID == 0 {
			seq, _ := provides.NextSequence()
			p.ID = int64(seq)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := provides.Put(itob(p.ID), data); err != nil {
			return err
		}
	}

	scriptlets := tx.Bucket(bucketScriptlets)
	for _, se := range entry.Scriptlets {
		se.TroveID = t.ID
		if se.ID == 0 {
			seq, _ := scriptlets.NextSequence()
			se.ID = int64(seq)
		}
		data, err := json.Marshal(se)
		if err != nil {
			return err
		}
		if err := scriptlets.Put(itob(se.ID), data); err != nil {
			return err
		}
	}
	return nil
}

// commitRemoveTrove performs the same cascade DeleteTrove does, inline
// against the caller's shared transaction.
func commitRemoveTrove(tx *bolt.Tx, troveID int64) error {
	troves := tx.Bucket(bucketTroves)
	data := troves.Get(itob(troveID))
	if data == nil {
		return &errs.DatabaseError{Op: "commit-remove-trove", Err: fmt.Errorf("trove %d not found", troveID)}
	}
	var t types.Trove
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	if err := troves.Delete(itob(troveID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketTroveNVAIdx).Delete(nvaKey(t.Name, t.Version, t.Architecture)); err != nil {
		return err
	}
	if err := deleteWhereTrove(tx, bucketFiles, troveID, func(v []byte) (int64, string, error) {
		var f types.FileEntry
		if err := json.Unmarshal(v, &f); err != nil {
			return 0, "", err
		}
		return f.TroveID, f.Path, nil
	}, tx.Bucket(bucketFilePathIdx)); err != nil {
		return err
	}
	if err := deleteWhereTroveSimple(tx, bucketDependencies, troveID, func(v []byte) (int64, error) {
		var d types.DependencyEntry
		if err := json.Unmarshal(v, &d); err != nil {
			return 0, err
		}
		return d.TroveID, nil
	}); err != nil {
		return err
	}
	if err := deleteWhereTroveSimple(tx, bucketProvides, troveID, func(v []byte) (int64, error) {
		var p types.ProvideEntry
		if err := json.Unmarshal(v, &p); err != nil {
			return 0, err
		}
		return p.TroveID, nil
	}); err != nil {
		return err
	}
	if err := deleteWhereTroveSimple(tx, bucketScriptlets, troveID, func(v []byte) (int64, error) {
		var se types.ScriptletEntry
		if err := json.Unmarshal(v, &se); err != nil {
			return 0, err
		}
		return se.TroveID, nil
	}); err != nil {
		return err
	}
	return tx.Bucket(bucketProvenance).Delete(itob(troveID))
}

func commitChangesetStatus(tx *bolt.Tx, c *types.Changeset) error {
	b := tx.Bucket(bucketChangesets)
	data := b.Get(itob(c.ID))
	if data == nil {
		return &errs.DatabaseError{Op: "commit-changeset", Err: fmt.Errorf("changeset %d not found", c.ID)}
	}
	var existing types.Changeset
	if err := json.Unmarshal(data, &existing); err != nil {
		return err
	}
	if err := validateChangesetTransition(existing.Status, c.Status); err != nil {
		return &errs.DatabaseError{Op: "commit-changeset", Err: err}
	}
	newData, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.Put(itob(c.ID), newData)
}
