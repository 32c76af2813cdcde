// Package postgres runs knowledge-base transactions against PostgreSQL.
// Writes use serializable isolation; reads run in read-only repeatable-read
// transactions. Serialization failures, deadlocks and unique violations are
// reported as domain.ErrTransient so the service layer retries them.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"gennotes/internal/infra/persistence/sqlstore"
	"gennotes/pkg/domain"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/gennotes?sslmode=disable"
)

// SQLSTATE codes that signal the transaction may succeed when retried.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateUniqueViolation      = "23505"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS variants (
		id BIGINT PRIMARY KEY,
		chrom_b37 TEXT,
		pos_b37 TEXT,
		ref_allele_b37 TEXT,
		var_allele_b37 TEXT,
		payload JSONB NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS variants_b37 ON variants (chrom_b37, pos_b37, ref_allele_b37, var_allele_b37)`,
	`CREATE TABLE IF NOT EXISTS relations (
		id BIGINT PRIMARY KEY,
		variant_id BIGINT NOT NULL REFERENCES variants(id),
		payload JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS relations_variant ON relations (variant_id)`,
	`CREATE TABLE IF NOT EXISTS revisions (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id BIGINT NOT NULL,
		version INTEGER NOT NULL,
		payload JSONB NOT NULL,
		UNIQUE (entity, entity_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
}

// Dialect is the sqlstore dialect for PostgreSQL through pgx.
var Dialect = sqlstore.Dialect{
	Name:         "postgres",
	Numbered:     true,
	Schema:       ddl,
	WriteOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
	ReadOptions:  &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	Classify:     classify,
}

// Store is a sqlstore.Store bound to a Postgres connection pool.
type Store struct {
	*sqlstore.Store
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN)
// and ensures the schema exists.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := sqlstore.New(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store}, nil
}

// classify marks serialization failures, deadlocks and unique violations as
// transient so the service layer can retry the whole transaction once.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateUniqueViolation:
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
	}
	return err
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
