package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"modulacms/pkg/domain"
	"time"

	"github.com/google/uuid"
)

var _ domain.PersistentStore = (*Store)(nil)

// Store persists one forest as rows. Writers and readers may use separate
// pools; both may point at the same *sql.DB.
type Store struct {
	writer  *sql.DB
	reader  *sql.DB
	dialect Dialect
	tables  Tables
	engine  *domain.RulesEngine
	nowFn   func() time.Time
	newID   func() string
	closers []func() error
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the transaction clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithReader routes View transactions to a separate pool.
func WithReader(db *sql.DB) Option {
	return func(s *Store) {
		if db != nil {
			s.reader = db
		}
	}
}

// WithCloser registers a hook invoked by Close after the pools shut down.
func WithCloser(fn func() error) Option {
	return func(s *Store) {
		if fn != nil {
			s.closers = append(s.closers, fn)
		}
	}
}

// New wraps writer using dialect and tables.
func New(writer *sql.DB, dialect Dialect, tables Tables, engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		writer:  writer,
		reader:  writer,
		dialect: dialect,
		tables:  tables,
		engine:  engine,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the forest tables when absent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema(s.tables) {
		if _, err := s.writer.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: apply schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// DB exposes the writer pool for integration hooks.
func (s *Store) DB() *sql.DB { return s.writer }

// Tables reports the relations backing this store.
func (s *Store) Tables() Tables { return s.tables }

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// Close releases both pools.
func (s *Store) Close() error {
	var errs []error
	if s.reader != nil && s.reader != s.writer {
		errs = append(errs, s.reader.Close())
	}
	if s.writer != nil {
		errs = append(errs, s.writer.Close())
	}
	for _, fn := range s.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// RunInTransaction executes fn inside one database transaction. The
// transaction commits only when fn returns nil, blocking rules pass and ctx
// is still live; every other path, including a panic in fn, rolls back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (res domain.Result, err error) {
	sqlTx, err := s.writer.BeginTx(ctx, s.dialect.WriteTx)
	if err != nil {
		return domain.Result{}, s.wrap("begin", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = sqlTx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
	}()
	for _, stmt := range s.dialect.WriteSetup {
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return domain.Result{}, s.wrap("setup", err)
		}
	}

	tx := &txn{store: s, ctx: ctx, tx: sqlTx, now: s.nowFn(), sql: s.dialect.builder()}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}
	res, err = domain.EvaluateCommit(ctx, s.engine, tx, tx.changes)
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return domain.Result{}, s.wrap("commit", err)
	}
	committed = true
	return res, nil
}

// View runs fn inside a read-only transaction on the reader pool.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	sqlTx, err := s.reader.BeginTx(ctx, s.dialect.ReadTx)
	if err != nil {
		return s.wrap("begin read", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(&txn{store: s, ctx: ctx, tx: sqlTx, now: s.nowFn(), sql: s.dialect.builder()})
}

// wrap annotates a driver error and classifies write conflicts.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s %s: %w", s.dialect.Name, op, err)
	if s.dialect.IsConflict != nil && s.dialect.IsConflict(err) {
		return domain.Conflict(wrapped)
	}
	return wrapped
}

type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ runner = (*sql.Tx)(nil)
