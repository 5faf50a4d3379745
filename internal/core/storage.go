package core

import (
	"fmt"
	"modulacms/internal/infra/persistence/memory"
	"modulacms/internal/infra/persistence/postgres"
	"modulacms/internal/infra/persistence/sqlite"
	"modulacms/internal/infra/persistence/sqlstore"
	"os"
	"time"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageOptions selects and configures a backend.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	// Forest is "content" (default) or "admin".
	Forest string
	// LockTimeout bounds how long a writer waits for conflicting writers.
	LockTimeout time.Duration
}

// StorageOptionsFromEnv reads the storage environment variables.
//
//	MODULACMS_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	MODULACMS_SQLITE_PATH: path to sqlite file (default ./modulacms.db)
//	MODULACMS_POSTGRES_DSN: postgres DSN when driver=postgres
//	MODULACMS_FOREST: content|admin (default content)
//	MODULACMS_LOCK_TIMEOUT: Go duration, e.g. 5s
func StorageOptionsFromEnv() (StorageOptions, error) {
	opts := StorageOptions{
		Driver:      StorageDriver(os.Getenv("MODULACMS_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("MODULACMS_SQLITE_PATH"),
		PostgresDSN: os.Getenv("MODULACMS_POSTGRES_DSN"),
		Forest:      os.Getenv("MODULACMS_FOREST"),
	}
	if raw := os.Getenv("MODULACMS_LOCK_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return StorageOptions{}, fmt.Errorf("MODULACMS_LOCK_TIMEOUT: %w", err)
		}
		opts.LockTimeout = d
	}
	return opts, nil
}

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	opts, err := StorageOptionsFromEnv()
	if err != nil {
		return nil, err
	}
	return OpenStore(engine, opts)
}

// OpenStore opens the backend described by opts.
func OpenStore(engine *RulesEngine, opts StorageOptions) (PersistentStore, error) {
	tables, err := sqlstore.TablesFor(opts.Forest)
	if err != nil {
		return nil, err
	}
	driver := opts.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		s, err := sqlite.NewStore(opts.SQLitePath, engine,
			sqlite.WithTables(tables), sqlite.WithBusyTimeout(opts.LockTimeout))
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoragePostgres:
		s, err := postgres.NewStore(opts.PostgresDSN, engine,
			postgres.WithTables(tables), postgres.WithLockTimeout(opts.LockTimeout))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// NewMemoryStore constructs an in-memory store with the given rules engine.
func NewMemoryStore(engine *RulesEngine) *memory.Store {
	return memory.NewStore(engine)
}
