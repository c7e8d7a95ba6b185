// Package store implements the durable state of the receive pipeline on
// SQLite: the unprocessed-envelope shadow used for crash recovery, and the
// locally materialized group membership sets.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS unprocessed (
  id          TEXT PRIMARY KEY,
  envelope    BLOB NOT NULL,
  decrypted   BLOB,
  attempts    INTEGER NOT NULL DEFAULT 1,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_unprocessed_received_at
ON unprocessed (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS groups (
  id         TEXT PRIMARY KEY,
  members    TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`,
}

// Store is a handle to the receive pipeline's SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	// The serial processing queue is the only writer; a single connection
	// avoids SQLITE_BUSY churn under WAL.
	db.SetMaxOpenConns(1)

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migration %d: %w", i, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"path": path,
	}).Debug("opened receive store")

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
