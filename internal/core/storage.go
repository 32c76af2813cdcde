package core

import (
	"fmt"
	"os"

	"gennotes/internal/infra/persistence/badger"
	"gennotes/internal/infra/persistence/memory"
	"gennotes/internal/infra/persistence/postgres"
	"gennotes/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBadger   StorageDriver = "badger"   // embedded badger directory
)

// StorageConfig selects and parameterises a backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	BadgerPath  string
}

// StorageConfigFromEnv reads the backend selection from the environment.
// Defaults to sqlite when unset.
//
//	GENNOTES_STORAGE_DRIVER: memory|sqlite|postgres|badger (default sqlite)
//	GENNOTES_SQLITE_PATH: path to sqlite file (default ./gennotes.db)
//	GENNOTES_POSTGRES_DSN: postgres DSN when driver=postgres
//	GENNOTES_BADGER_PATH: badger directory when driver=badger
func StorageConfigFromEnv() StorageConfig {
	return StorageConfig{
		Driver:      StorageDriver(os.Getenv("GENNOTES_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("GENNOTES_SQLITE_PATH"),
		PostgresDSN: os.Getenv("GENNOTES_POSTGRES_DSN"),
		BadgerPath:  os.Getenv("GENNOTES_BADGER_PATH"),
	}
}

// OpenPersistentStore opens the backend named by cfg.Driver.
func OpenPersistentStore(cfg StorageConfig) (PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(cfg.PostgresDSN)
	case StorageBadger:
		return badger.NewStore(badger.Config{Path: cfg.BadgerPath})
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
