// Command conary-migrate is a thin wrapper around pkg/storage's
// automatic schema migration: it backs up conary.db, reports the
// on-disk schema version, and opens the store (which runs any pending
// migration) unless --dry-run is given.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/conary/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/conary", "Conary data directory")
	dryRun     = flag.Bool("dry-run", false, "Report the current schema version without migrating")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <data-dir>/conary.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Conary Database Migration Tool")
	log.Println("===============================")

	dbPath := filepath.Join(*dataDir, "conary.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}
	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if *dryRun {
		version, err := readSchemaVersion(dbPath)
		if err != nil {
			log.Fatalf("Failed to inspect database: %v", err)
		}
		log.Printf("Current schema version: %d", version)
		log.Println("Dry run completed. No changes made.")
		return
	}

	backupFile := *backupPath
	if backupFile == "" {
		backupFile = dbPath + ".backup"
	}
	log.Printf("Creating backup: %s", backupFile)
	if err := copyFile(dbPath, backupFile); err != nil {
		log.Fatalf("Failed to create backup: %v", err)
	}
	log.Println("backup created successfully")

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	defer store.Close()

	log.Println("migration completed successfully")
}

func readSchemaVersion(dbPath string) (int, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var version int
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("meta"))
		if b == nil {
			version = 0
			return nil
		}
		data := b.Get([]byte("schema_version"))
		if data == nil {
			version = 0
			return nil
		}
		_, err := fmt.Sscanf(string(data), "%d", &version)
		return err
	})
	return version, err
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
