// Package postgres provides the Postgres backend. Writers run at
// SERIALIZABLE with a bounded lock wait, readers at REPEATABLE READ
// read-only; serialization failures, deadlocks and lock timeouts surface as
// domain.ErrConcurrentModification.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"modulacms/internal/infra/persistence/sqlstore"
	"modulacms/pkg/domain"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenPersistentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/modulacms?sslmode=disable"
	// DefaultLockTimeout bounds how long a writer waits on row locks.
	DefaultLockTimeout = 5 * time.Second
)

// SQLSTATE codes treated as a lost write race.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is the Postgres backed persistent store.
type Store struct {
	*sqlstore.Store
}

type config struct {
	tables      sqlstore.Tables
	lockTimeout time.Duration
	storeOpts   []sqlstore.Option
}

// Option customises NewStore.
type Option func(*config)

// WithTables selects the forest tables.
func WithTables(t sqlstore.Tables) Option {
	return func(c *config) { c.tables = t }
}

// WithLockTimeout overrides the per-transaction lock wait.
func WithLockTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// WithStoreOptions forwards options to the underlying row store.
func WithStoreOptions(opts ...sqlstore.Option) Option {
	return func(c *config) { c.storeOpts = append(c.storeOpts, opts...) }
}

// Dialect describes Postgres for the row store.
func Dialect(lockTimeout time.Duration) sqlstore.Dialect {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return sqlstore.Dialect{
		Name:        "postgres",
		Placeholder: sq.Dollar,
		WriteTx:     &sql.TxOptions{Isolation: sql.LevelSerializable},
		ReadTx:      &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
		WriteSetup:  []string{fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())},
		IsConflict:  IsConflict,
	}
}

// IsConflict reports serialization failures, deadlocks and lock timeouts.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN) and applies the forest schema.
func NewStore(dsn string, engine *domain.RulesEngine, opts ...Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	cfg := config{tables: sqlstore.ContentTables(), lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(&cfg)
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
	s := &Store{Store: sqlstore.New(db, Dialect(cfg.lockTimeout), cfg.tables, engine, cfg.storeOpts...)}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
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
