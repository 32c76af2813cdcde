// Package sqlite persists the knowledge base to an embedded SQLite database.
// Transactions run in the database itself, so several processes may open the
// same file; writers are serialized by SQLite's write lock.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gennotes/internal/infra/persistence/sqlstore"
	"gennotes/pkg/domain"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "gennotes.db"

// Writers take the write lock at BEGIN so a transaction never fails halfway
// through on lock upgrade; busy_timeout makes a second process wait for it.
var connParams = url.Values{
	"_pragma": {"busy_timeout(5000)", "journal_mode(WAL)", "foreign_keys(1)"},
	"_txlock": {"immediate"},
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS variants (
		id INTEGER PRIMARY KEY,
		chrom_b37 TEXT,
		pos_b37 TEXT,
		ref_allele_b37 TEXT,
		var_allele_b37 TEXT,
		payload BLOB NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS variants_b37 ON variants(chrom_b37, pos_b37, ref_allele_b37, var_allele_b37)`,
	`CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY,
		variant_id INTEGER NOT NULL REFERENCES variants(id),
		payload BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS relations_variant ON relations(variant_id)`,
	`CREATE TABLE IF NOT EXISTS revisions (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		UNIQUE(entity, entity_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
}

// Dialect is the sqlstore dialect for modernc.org/sqlite.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	Schema:      schema,
	ReadOptions: &sql.TxOptions{ReadOnly: true},
	Classify:    classify,
}

// Store is a sqlstore.Store bound to one database file.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?"+connParams.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := sqlstore.New(context.Background(), db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// classify marks lock contention and key collisions as transient. A key
// collision means another process committed the same id or revision version
// first; the retried transaction reads its write.
func classify(err error) error {
	var liteErr *msqlite.Error
	if !errors.As(err, &liteErr) {
		return err
	}
	code := liteErr.Code()
	switch {
	case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED,
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return err
}
