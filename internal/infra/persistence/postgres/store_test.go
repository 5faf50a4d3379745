package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"modulacms/internal/infra/persistence/postgres/testutil"
	"modulacms/internal/infra/persistence/sqlstore"
	"modulacms/internal/ordering"
	"modulacms/pkg/domain"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func newStubStore(t *testing.T, opts ...Option) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	var gotDriver string
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		gotDriver = driverName
		return db, nil
	})
	t.Cleanup(restore)
	store, err := NewStore("", nil, opts...)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if gotDriver != "pgx" {
		t.Fatalf("expected pgx driver, got %q", gotDriver)
	}
	return store, conn
}

func seed(t *testing.T, store domain.PersistentStore) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := ordering.Insert(tx, nil, domain.Node{ID: "R"}, domain.Tail()); err != nil {
			return err
		}
		for _, id := range []string{"A", "B", "C"} {
			if _, err := ordering.Insert(tx, domain.Ref("R"), domain.Node{ID: id}, domain.Tail()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func childOrder(t *testing.T, store domain.PersistentStore, parent string) string {
	t.Helper()
	var ids []string
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		kids, err := v.GetChildren(domain.Ref(parent))
		for _, k := range kids {
			ids = append(ids, k.ID)
		}
		return err
	})
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	return strings.Join(ids, ",")
}

func TestNewStoreAppliesSchema(t *testing.T) {
	_, conn := newStubStore(t)
	if !conn.Executed("CREATE TABLE IF NOT EXISTS content_data (") {
		t.Fatalf("expected content_data DDL, got %v", conn.Statements)
	}
	if !conn.Executed("CREATE TABLE IF NOT EXISTS content_fields (") {
		t.Fatalf("expected content_fields DDL")
	}
	if conn.Executed("admin_content_data") {
		t.Fatalf("content store should not touch admin tables")
	}

	_, adminConn := newStubStore(t, WithTables(sqlstore.AdminTables()))
	if !adminConn.Executed("CREATE TABLE IF NOT EXISTS admin_content_data (") {
		t.Fatalf("expected admin DDL, got %v", adminConn.Statements)
	}
}

func TestNewStoreReportsPingAndSchemaFailures(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.PingErr = errors.New("connection refused")
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("postgres://example", nil); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping failure, got %v", err)
	}

	db2, conn2 := testutil.NewStubDB()
	conn2.Fail["CREATE TABLE"] = errors.New("permission denied")
	restore2 := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db2, nil })
	defer restore2()
	if _, err := NewStore("", nil); err == nil || !strings.Contains(err.Error(), "apply schema") {
		t.Fatalf("expected schema failure, got %v", err)
	}

	restore3 := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("bad dsn") })
	defer restore3()
	if _, err := NewStore("::", nil); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open failure, got %v", err)
	}
}

func TestStoreTransactionsUseSerializableWrites(t *testing.T) {
	store, conn := newStubStore(t)
	seed(t, store)
	if !conn.Executed("SET LOCAL lock_timeout = '5000ms'") {
		t.Fatalf("expected lock timeout setup")
	}
	if !conn.Executed("WHERE content_data_id = $1") {
		t.Fatalf("expected dollar placeholders")
	}
	if got := childOrder(t, store, "R"); got != "A,B,C" {
		t.Fatalf("expected A,B,C got %s", got)
	}
	write, read := conn.TxOptions[0], conn.TxOptions[len(conn.TxOptions)-1]
	if write.Isolation != driver.IsolationLevel(sql.LevelSerializable) || write.ReadOnly {
		t.Fatalf("unexpected write options %+v", write)
	}
	if read.Isolation != driver.IsolationLevel(sql.LevelRepeatableRead) || !read.ReadOnly {
		t.Fatalf("unexpected read options %+v", read)
	}
}

func TestStoreReorderAndDeleteThroughDriver(t *testing.T) {
	store, conn := newStubStore(t)
	seed(t, store)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateField(domain.FieldValue{ContentDataID: "B", FieldID: "title", Value: "b"}); err != nil {
			return err
		}
		if _, err := tx.CreateField(domain.FieldValue{ContentDataID: "B", FieldID: "body", Value: "..."}); err != nil {
			return err
		}
		_, err := ordering.Reorder(tx, domain.Ref("R"), []string{"C", "A", "B"})
		return err
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if got := childOrder(t, store, "R"); got != "C,A,B" {
		t.Fatalf("expected C,A,B got %s", got)
	}
	err = store.View(ctx, func(v domain.TransactionView) error {
		fields, err := v.ListFields("B")
		if err != nil {
			return err
		}
		if len(fields) != 2 || fields[0].FieldID != "title" || fields[1].FieldID != "body" {
			t.Fatalf("expected insertion order, got %+v", fields)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fields: %v", err)
	}

	var res domain.DeleteResult
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		res, err = ordering.Delete(tx, "A", domain.SubtreeReparent)
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := childOrder(t, store, "R"); got != "C,B" {
		t.Fatalf("expected C,B got %s", got)
	}
	if len(res.DeletedNodes) != 1 || res.DeletedNodes[0] != "A" {
		t.Fatalf("unexpected delete result %+v", res)
	}
	if n := len(conn.Tables["content_fields"]); n != 2 {
		t.Fatalf("B fields should survive, got %d", n)
	}
}

func TestSerializationFailureOnCommitIsConflict(t *testing.T) {
	store, conn := newStubStore(t)
	seed(t, store)
	conn.CommitErr = &pgconn.PgError{Code: "40001", Message: "could not serialize access due to read/write dependencies among transactions"}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := ordering.Reorder(tx, domain.Ref("R"), []string{"B", "C", "A"})
		return err
	})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "40001" {
		t.Fatalf("driver error should stay reachable: %v", err)
	}
	conn.CommitErr = nil
	if got := childOrder(t, store, "R"); got != "A,B,C" {
		t.Fatalf("failed commit must leave chain untouched, got %s", got)
	}
}

func TestLockTimeoutDuringSetupIsConflict(t *testing.T) {
	store, conn := newStubStore(t, WithLockTimeout(250*time.Millisecond))
	if !strings.Contains(Dialect(250*time.Millisecond).WriteSetup[0], "'250ms'") {
		t.Fatalf("unexpected setup statement")
	}
	conn.Fail["SET LOCAL lock_timeout = '250ms'"] = &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}
	_, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error {
		t.Fatalf("fn must not run when setup fails")
		return nil
	})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if conn.Rollbacks == 0 {
		t.Fatalf("expected rollback after setup failure")
	}
}

func TestIsConflict(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "40P01"}, true},
		{&pgconn.PgError{Code: "55P03"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("40001"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsConflict(tc.err); got != tc.want {
			t.Fatalf("IsConflict(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if Dialect(0).WriteSetup[0] != "SET LOCAL lock_timeout = '5000ms'" {
		t.Fatalf("zero timeout should use the default")
	}
}
