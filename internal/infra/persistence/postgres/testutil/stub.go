// Package testutil provides an in-memory stub database for postgres store
// tests. It understands the single-predicate statements the row store emits
// and nothing else.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var driverSeq atomic.Int64

// StubConn records statements and keeps rows per table. Writes inside a
// transaction are discarded on rollback or failed commit.
type StubConn struct {
	mu         sync.Mutex
	Statements []string
	TxOptions  []driver.TxOptions
	Tables     map[string][]map[string]driver.Value
	// Fail maps a statement substring to the error returned when a
	// statement containing it is executed.
	Fail      map[string]error
	PingErr   error
	BeginErr  error
	CommitErr error
	Commits   int
	Rollbacks int

	snapshot map[string][]map[string]driver.Value
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]driver.Value), Fail: make(map[string]error)}
	name := fmt.Sprintf("stubpg%d", driverSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Executed reports whether any recorded statement contains fragment.
func (c *StubConn) Executed(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.Statements {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error { return c.PingErr }

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BeginErr != nil {
		return nil, c.BeginErr
	}
	c.TxOptions = append(c.TxOptions, opts)
	c.snapshot = copyTables(c.Tables)
	return &stubTx{conn: c}, nil
}

func copyTables(in map[string][]map[string]driver.Value) map[string][]map[string]driver.Value {
	out := make(map[string][]map[string]driver.Value, len(in))
	for table, rows := range in {
		cp := make([]map[string]driver.Value, len(rows))
		for i, row := range rows {
			r := make(map[string]driver.Value, len(row))
			for k, v := range row {
				r[k] = v
			}
			cp[i] = r
		}
		out[table] = cp
	}
	return out
}

func (c *StubConn) record(query string) error {
	c.Statements = append(c.Statements, query)
	for fragment, err := range c.Fail {
		if strings.Contains(query, fragment) {
			return err
		}
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(query); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "INSERT INTO"):
		return c.insert(trimmed, args)
	case strings.HasPrefix(upper, "UPDATE"):
		return c.update(trimmed, args)
	case strings.HasPrefix(upper, "DELETE FROM"):
		return c.delete(trimmed, args)
	}
	return driver.RowsAffected(0), nil
}

func (c *StubConn) insert(query string, args []driver.NamedValue) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("INSERT INTO"):])
	open := strings.Index(rest, "(")
	closing := strings.Index(rest, ")")
	if open < 0 || closing < open {
		return nil, fmt.Errorf("stub: cannot parse insert %q", query)
	}
	table := strings.TrimSpace(rest[:open])
	cols := splitList(rest[open+1:closing], ",")
	if len(cols) != len(args) {
		return nil, fmt.Errorf("stub: column/arg mismatch for %s", table)
	}
	row := make(map[string]driver.Value, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

func (c *StubConn) update(query string, args []driver.NamedValue) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("UPDATE"):])
	setAt := strings.Index(rest, " SET ")
	if setAt < 0 {
		return nil, fmt.Errorf("stub: cannot parse update %q", query)
	}
	table := strings.TrimSpace(rest[:setAt])
	assignments, where := splitWhere(rest[setAt+len(" SET "):])
	match, err := parsePredicate(where, args)
	if err != nil {
		return nil, err
	}
	type assignment struct {
		col   string
		value driver.Value
	}
	var sets []assignment
	for _, part := range splitList(assignments, ",") {
		col, ph, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("stub: cannot parse assignment %q", part)
		}
		v, err := argAt(strings.TrimSpace(ph), args)
		if err != nil {
			return nil, err
		}
		sets = append(sets, assignment{col: strings.TrimSpace(col), value: v})
	}
	var n int64
	for _, row := range c.Tables[table] {
		if !match(row) {
			continue
		}
		for _, s := range sets {
			row[s.col] = s.value
		}
		n++
	}
	return driver.RowsAffected(n), nil
}

func (c *StubConn) delete(query string, args []driver.NamedValue) (driver.Result, error) {
	rest := strings.TrimSpace(query[len("DELETE FROM"):])
	table, where := splitWhere(rest)
	match, err := parsePredicate(where, args)
	if err != nil {
		return nil, err
	}
	var kept []map[string]driver.Value
	var n int64
	for _, row := range c.Tables[table] {
		if match(row) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	c.Tables[table] = kept
	return driver.RowsAffected(n), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(query); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return nil, fmt.Errorf("stub: unsupported query %q", query)
	}
	fromAt := strings.Index(trimmed, " FROM ")
	if fromAt < 0 {
		return nil, fmt.Errorf("stub: cannot parse select %q", query)
	}
	selected := trimmed[len("SELECT"):fromAt]
	cols := splitList(selected, ", ")
	rest := trimmed[fromAt+len(" FROM "):]
	var orderBy []string
	if at := strings.Index(rest, " ORDER BY "); at >= 0 {
		orderBy = splitList(rest[at+len(" ORDER BY "):], ",")
		rest = rest[:at]
	}
	table, where := splitWhere(rest)
	match, err := parsePredicate(where, args)
	if err != nil {
		return nil, err
	}
	var matched []map[string]driver.Value
	for _, row := range c.Tables[table] {
		if match(row) {
			matched = append(matched, row)
		}
	}
	if strings.Contains(strings.ToUpper(selected), "MAX(") {
		return &stubRows{cols: []string{"max"}, data: [][]driver.Value{{maxInt(matched, "seq")}}}, nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		for _, col := range orderBy {
			if cmp := compare(matched[i][col], matched[j][col]); cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
	data := make([][]driver.Value, 0, len(matched))
	for _, row := range matched {
		values := make([]driver.Value, len(cols))
		for i, col := range cols {
			values[i] = row[col]
		}
		data = append(data, values)
	}
	return &stubRows{cols: cols, data: data}, nil
}

func maxInt(rows []map[string]driver.Value, col string) int64 {
	var best int64
	for _, row := range rows {
		if v, ok := row[col].(int64); ok && v > best {
			best = v
		}
	}
	return best
}

func compare(a, b driver.Value) int {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	}
	return 0
}

func splitList(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitWhere(s string) (string, string) {
	head, where, _ := strings.Cut(s, " WHERE ")
	return strings.TrimSpace(head), strings.TrimSpace(where)
}

func argAt(placeholder string, args []driver.NamedValue) (driver.Value, error) {
	idx, err := strconv.Atoi(strings.TrimPrefix(placeholder, "$"))
	if err != nil || idx < 1 || idx > len(args) {
		return nil, fmt.Errorf("stub: bad placeholder %q", placeholder)
	}
	return args[idx-1].Value, nil
}

// parsePredicate supports an empty clause, "col = $N" and "col IS NULL".
func parsePredicate(where string, args []driver.NamedValue) (func(map[string]driver.Value) bool, error) {
	if where == "" {
		return func(map[string]driver.Value) bool { return true }, nil
	}
	if col, ok := strings.CutSuffix(where, " IS NULL"); ok {
		col = strings.TrimSpace(col)
		return func(row map[string]driver.Value) bool { return row[col] == nil }, nil
	}
	col, ph, ok := strings.Cut(where, "=")
	if !ok {
		return nil, fmt.Errorf("stub: unsupported predicate %q", where)
	}
	want, err := argAt(strings.TrimSpace(ph), args)
	if err != nil {
		return nil, err
	}
	col = strings.TrimSpace(col)
	return func(row map[string]driver.Value) bool { return row[col] != nil && row[col] == want }, nil
}

type stubRows struct {
	cols []string
	data [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.idx])
	r.idx++
	return nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.CommitErr != nil {
		t.conn.Tables = t.conn.snapshot
		return t.conn.CommitErr
	}
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.Tables = t.conn.snapshot
	t.conn.Rollbacks++
	return nil
}
