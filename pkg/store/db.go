// Package store implements the three durable state stores of the pipeline,
// one SQLite file each: the raw snapshot store with its conflict journal,
// the ingestion state store with cursors and attempt log, and the processing
// store with documents, failures, topic cards and bundles.
//
// Uniqueness is enforced at the persistence layer (primary keys and unique
// indexes), and every JSON-valued column is serialized canonically so runs
// diff byte-for-byte.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration
)

// openDB opens one store file and applies its schema. WAL keeps readers from
// blocking the single writer; the busy timeout serializes row writes across
// workers sharing the store.
func openDB(path, schema string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema for %s: %w", path, err)
	}
	return db, nil
}
