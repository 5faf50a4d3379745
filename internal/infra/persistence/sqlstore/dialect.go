// Package sqlstore implements the content-tree persistence contract over
// database/sql. The sqlite and postgres packages supply a Dialect and own
// connection setup; row access, chain traversal and rule evaluation live here.
package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Tables names the two relations backing one forest.
type Tables struct {
	Nodes  string
	Fields string
}

// ContentTables backs the public content forest.
func ContentTables() Tables {
	return Tables{Nodes: "content_data", Fields: "content_fields"}
}

// AdminTables backs the parallel admin forest.
func AdminTables() Tables {
	return Tables{Nodes: "admin_content_data", Fields: "admin_content_fields"}
}

// TablesFor resolves a forest name ("content" or "admin").
func TablesFor(forest string) (Tables, error) {
	switch strings.ToLower(strings.TrimSpace(forest)) {
	case "", "content":
		return ContentTables(), nil
	case "admin", "admin_content":
		return AdminTables(), nil
	}
	return Tables{}, fmt.Errorf("unknown forest %q", forest)
}

// Dialect captures the backend specific pieces of the store.
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	// WriteTx and ReadTx are passed to BeginTx.
	WriteTx *sql.TxOptions
	ReadTx  *sql.TxOptions
	// WriteSetup statements run first inside every write transaction, e.g.
	// to bound lock waits.
	WriteSetup []string
	// IsConflict reports driver errors that mean "another writer won".
	IsConflict func(error) bool
}

func (d Dialect) builder() sq.StatementBuilderType {
	ph := d.Placeholder
	if ph == nil {
		ph = sq.Question
	}
	return sq.StatementBuilder.PlaceholderFormat(ph)
}

// Schema returns the idempotent DDL for t. Column types are kept to TEXT and
// BIGINT so one script serves every dialect.
func Schema(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	content_data_id TEXT PRIMARY KEY,
	parent_id TEXT NULL,
	first_child_id TEXT NULL,
	next_sibling_id TEXT NULL,
	prev_sibling_id TEXT NULL,
	route_id TEXT NULL,
	datatype_id TEXT NULL,
	author_id TEXT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	date_created TEXT NOT NULL,
	date_modified TEXT NOT NULL
)`, t.Nodes),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_parent_idx ON %[1]s (parent_id)`, t.Nodes),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	content_field_id TEXT PRIMARY KEY,
	content_data_id TEXT NOT NULL REFERENCES %[2]s (content_data_id) ON DELETE CASCADE,
	field_id TEXT NOT NULL,
	field_value TEXT NOT NULL DEFAULT '',
	author_id TEXT NULL,
	seq BIGINT NOT NULL,
	date_created TEXT NOT NULL,
	date_modified TEXT NOT NULL
)`, t.Fields, t.Nodes),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_owner_idx ON %[1]s (content_data_id, seq)`, t.Fields),
	}
}
