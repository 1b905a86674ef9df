package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// schemaVersion is the current on-disk layout version. Migrations are
// forward-only: there is no downgrade path, matching the teacher's own
// cluster-store migration convention.
const schemaVersion = 1

var bucketMeta = []byte("meta")

var metaSchemaVersionKey = []byte("schema_version")

type migrationFunc func(tx *bolt.Tx) error

// migrations holds each step in order, indexed by the version it
// produces. migrations[0] is unused; migrations[1] brings a brand new
// database (version 0, i.e. absent) up to version 1.
var migrations = []migrationFunc{
	nil,
	migrateToV1,
}

// migrate advances the on-disk schema to schemaVersion, running any
// pending steps in order inside their own transactions. A database
// newer than this binary understands is rejected rather than silently
// misread.
func (s *BoltStore) migrate() error {
	current, err := s.currentSchemaVersion()
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}
	for v := current + 1; v <= schemaVersion; v++ {
		fn := migrations[v]
		if fn == nil {
			continue
		}
		if err := s.db.Update(func(tx *bolt.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return setSchemaVersion(tx, v)
		}); err != nil {
			return fmt.Errorf("migrate to schema version %d: %w", v, err)
		}
	}
	return nil
}

func (s *BoltStore) currentSchemaVersion() (int, error) {
	var version int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			version = 0
			return nil
		}
		data := b.Get(metaSchemaVersionKey)
		if data == nil {
			version = 0
			return nil
		}
		_, err := fmt.Sscanf(string(data), "%d", &version)
		return err
	})
	return version, err
}

func setSchemaVersion(tx *bolt.Tx, v int) error {
	b, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return err
	}
	return b.Put(metaSchemaVersionKey, []byte(fmt.Sprintf("%d", v)))
}

// migrateToV1 is a no-op beyond bucket creation: NewBoltStore already
// creates every entity bucket before migrate runs, so the first
// versioned step only has to stamp the version marker. Later schema
// changes (renamed fields, new secondary indexes) get their own
// migrateToVN step appended to the migrations slice.
func migrateToV1(tx *bolt.Tx) error {
	return nil
}
