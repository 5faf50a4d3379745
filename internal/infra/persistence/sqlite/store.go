// Package sqlite provides the embedded SQLite backend. Rows live in real
// content tables; writers take the database write lock at BEGIN so
// concurrent structural edits serialize, and a writer that cannot get the
// lock within the busy timeout fails with domain.ErrConcurrentModification.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"modulacms/internal/infra/persistence/sqlstore"
	"modulacms/pkg/domain"
	"net/url"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gofrs/flock"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	defaultPath = "modulacms.db"
	// DefaultBusyTimeout bounds how long a writer waits for the write lock.
	DefaultBusyTimeout = 5 * time.Second
	migrateRetry       = 50 * time.Millisecond
)

// Store is the SQLite backed persistent store.
type Store struct {
	*sqlstore.Store
	path string
}

type config struct {
	tables      sqlstore.Tables
	busyTimeout time.Duration
	storeOpts   []sqlstore.Option
}

// Option customises NewStore.
type Option func(*config)

// WithTables selects the forest tables.
func WithTables(t sqlstore.Tables) Option {
	return func(c *config) { c.tables = t }
}

// WithBusyTimeout overrides the write lock wait.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.busyTimeout = d
		}
	}
}

// WithStoreOptions forwards options to the underlying row store.
func WithStoreOptions(opts ...sqlstore.Option) Option {
	return func(c *config) { c.storeOpts = append(c.storeOpts, opts...) }
}

// Dialect describes SQLite for the row store.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:        "sqlite",
		Placeholder: sq.Question,
		IsConflict:  IsConflict,
	}
}

// IsConflict reports SQLITE_BUSY and SQLITE_LOCKED, including their
// extended codes.
func IsConflict(err error) bool {
	var serr *msqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func dsn(path string, pragmas url.Values) string {
	return "file:" + path + "?" + pragmas.Encode()
}

func writerDSN(path string, busy time.Duration) string {
	v := url.Values{}
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	v.Add("_pragma", "foreign_keys(1)")
	v.Add("_pragma", "synchronous(NORMAL)")
	v.Set("_txlock", "immediate")
	return dsn(path, v)
}

func readerDSN(path string, busy time.Duration) string {
	v := url.Values{}
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	v.Add("_pragma", "query_only(1)")
	return dsn(path, v)
}

// NewStore opens (creating when needed) the database at path, applies the
// schema under a cross-process file lock, and returns a ready store.
func NewStore(path string, engine *domain.RulesEngine, opts ...Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	cfg := config{tables: sqlstore.ContentTables(), busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}

	writer, err := sql.Open("sqlite", writerDSN(path, cfg.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := writer.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	reader, err := sql.Open("sqlite", readerDSN(path, cfg.busyTimeout))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	storeOpts := append([]sqlstore.Option{sqlstore.WithReader(reader)}, cfg.storeOpts...)
	s := &Store{Store: sqlstore.New(writer, Dialect(), cfg.tables, engine, storeOpts...), path: path}
	if err := s.migrate(cfg.busyTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// migrate serializes schema creation across processes sharing path.
func (s *Store) migrate(wait time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryLockContext(ctx, migrateRetry)
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()
	return s.Migrate(ctx)
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
