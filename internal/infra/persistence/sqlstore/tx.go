package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"modulacms/internal/chain"
	"modulacms/pkg/domain"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var nodeColumns = []string{
	"content_data_id", "parent_id", "first_child_id", "next_sibling_id", "prev_sibling_id",
	"route_id", "datatype_id", "author_id", "status", "date_created", "date_modified",
}

var fieldColumns = []string{
	"content_field_id", "content_data_id", "field_id", "field_value", "author_id",
	"date_created", "date_modified",
}

type txn struct {
	store   *Store
	ctx     context.Context
	tx      runner
	sql     sq.StatementBuilderType
	now     time.Time
	changes []domain.Change
}

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t.UTC(), nil
}

func nullable(ref *string) any {
	if ref == nil {
		return nil
	}
	return *ref
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return domain.Ref(v.String)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (domain.Node, error) {
	var (
		n                         domain.Node
		parent, first, next, prev sql.NullString
		route, datatype, author   sql.NullString
		status, created, modified string
	)
	if err := row.Scan(&n.ID, &parent, &first, &next, &prev, &route, &datatype, &author, &status, &created, &modified); err != nil {
		return domain.Node{}, err
	}
	n.ParentID, n.FirstChildID = fromNull(parent), fromNull(first)
	n.NextSiblingID, n.PrevSiblingID = fromNull(next), fromNull(prev)
	n.RouteID, n.DatatypeID, n.AuthorID = fromNull(route), fromNull(datatype), fromNull(author)
	n.Status = domain.Status(status)
	var err error
	if n.DateCreated, err = decodeTime(created); err != nil {
		return domain.Node{}, fmt.Errorf("node %s date_created: %w", n.ID, err)
	}
	if n.DateModified, err = decodeTime(modified); err != nil {
		return domain.Node{}, fmt.Errorf("node %s date_modified: %w", n.ID, err)
	}
	return n, nil
}

func scanField(row scanner) (domain.FieldValue, error) {
	var (
		f                 domain.FieldValue
		author            sql.NullString
		created, modified string
	)
	if err := row.Scan(&f.ID, &f.ContentDataID, &f.FieldID, &f.Value, &author, &created, &modified); err != nil {
		return domain.FieldValue{}, err
	}
	f.AuthorID = fromNull(author)
	var err error
	if f.DateCreated, err = decodeTime(created); err != nil {
		return domain.FieldValue{}, fmt.Errorf("field %s date_created: %w", f.ID, err)
	}
	if f.DateModified, err = decodeTime(modified); err != nil {
		return domain.FieldValue{}, fmt.Errorf("field %s date_modified: %w", f.ID, err)
	}
	return f, nil
}

func (t *txn) Now() time.Time { return t.now }

func (t *txn) exec(op string, q sq.Sqlizer) (sql.Result, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", op, err)
	}
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return nil, t.store.wrap(op, err)
	}
	return res, nil
}

func (t *txn) queryNodes(op string, q sq.SelectBuilder) ([]domain.Node, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", op, err)
	}
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, t.store.wrap(op, err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, t.store.wrap(op, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, t.store.wrap(op, err)
	}
	return out, nil
}

func (t *txn) queryFields(op string, q sq.SelectBuilder) ([]domain.FieldValue, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", op, err)
	}
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, t.store.wrap(op, err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.FieldValue
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, t.store.wrap(op, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, t.store.wrap(op, err)
	}
	return out, nil
}

func (t *txn) selectNodes() sq.SelectBuilder {
	return t.sql.Select(nodeColumns...).From(t.store.tables.Nodes)
}

func (t *txn) selectFields() sq.SelectBuilder {
	return t.sql.Select(fieldColumns...).From(t.store.tables.Fields)
}

func (t *txn) lookupNode(id string) (domain.Node, bool, error) {
	nodes, err := t.queryNodes("get node", t.selectNodes().Where(sq.Eq{"content_data_id": id}))
	if err != nil || len(nodes) == 0 {
		return domain.Node{}, false, err
	}
	return nodes[0], true, nil
}

func (t *txn) GetNode(id string) (domain.Node, error) {
	n, ok, err := t.lookupNode(id)
	if err != nil {
		return domain.Node{}, err
	}
	if !ok {
		return domain.Node{}, domain.NodeNotFound(id)
	}
	return n, nil
}

func parentFilter(parentID *string) sq.Eq {
	if parentID == nil {
		return sq.Eq{"parent_id": nil}
	}
	return sq.Eq{"parent_id": *parentID}
}

func (t *txn) ChildSet(parentID *string) ([]domain.Node, error) {
	if parentID != nil {
		if _, err := t.GetNode(*parentID); err != nil {
			return nil, err
		}
	}
	nodes, err := t.queryNodes("child set", t.selectNodes().Where(parentFilter(parentID)).OrderBy("content_data_id"))
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []domain.Node{}
	}
	return nodes, nil
}

func (t *txn) GetChildren(parentID *string) ([]domain.Node, error) {
	var head *string
	if parentID != nil {
		parent, err := t.GetNode(*parentID)
		if err != nil {
			return nil, err
		}
		head = parent.FirstChildID
	}
	set, err := t.ChildSet(parentID)
	if err != nil {
		return nil, err
	}
	members := chain.Members(set)
	if parentID == nil {
		if head, err = chain.RootHead(members); err != nil {
			return nil, err
		}
	}
	return chain.Walk(parentID, head, members, t.lookupNode)
}

func (t *txn) ListNodes() ([]domain.Node, error) {
	nodes, err := t.queryNodes("list nodes", t.selectNodes().OrderBy("content_data_id"))
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []domain.Node{}
	}
	return nodes, nil
}

func (t *txn) ListFields(nodeID string) ([]domain.FieldValue, error) {
	if _, err := t.GetNode(nodeID); err != nil {
		return nil, err
	}
	return t.queryFields("list fields", t.selectFields().
		Where(sq.Eq{"content_data_id": nodeID}).
		OrderBy("seq", "content_field_id"))
}

func (t *txn) GetField(id string) (domain.FieldValue, error) {
	fields, err := t.queryFields("get field", t.selectFields().Where(sq.Eq{"content_field_id": id}))
	if err != nil {
		return domain.FieldValue{}, err
	}
	if len(fields) == 0 {
		return domain.FieldValue{}, domain.FieldNotFound(id)
	}
	return fields[0], nil
}

func nodeValues(n domain.Node) []any {
	return []any{
		n.ID, nullable(n.ParentID), nullable(n.FirstChildID), nullable(n.NextSiblingID), nullable(n.PrevSiblingID),
		nullable(n.RouteID), nullable(n.DatatypeID), nullable(n.AuthorID), string(n.Status),
		encodeTime(n.DateCreated), encodeTime(n.DateModified),
	}
}

func (t *txn) CreateNode(n domain.Node) (domain.Node, error) {
	if n.ID == "" {
		n.ID = t.store.newID()
	}
	if _, exists, err := t.lookupNode(n.ID); err != nil {
		return domain.Node{}, err
	} else if exists {
		return domain.Node{}, &domain.Error{Kind: domain.ErrAlreadyExists, Entity: domain.EntityNode, ID: n.ID}
	}
	if n.Status == "" {
		n.Status = domain.StatusDraft
	}
	if n.DateCreated.IsZero() {
		n.DateCreated = t.now
	}
	if n.DateModified.IsZero() {
		n.DateModified = t.now
	}
	n.DateCreated, n.DateModified = n.DateCreated.UTC(), n.DateModified.UTC()
	q := t.sql.Insert(t.store.tables.Nodes).Columns(nodeColumns...).Values(nodeValues(n)...)
	if _, err := t.exec("insert node", q); err != nil {
		return domain.Node{}, err
	}
	t.changes = append(t.changes, domain.Change{Entity: domain.EntityNode, Action: domain.ActionCreate, After: domain.CloneNode(n)})
	return n, nil
}

func (t *txn) PutNode(n domain.Node) (domain.Node, error) {
	current, err := t.GetNode(n.ID)
	if err != nil {
		return domain.Node{}, err
	}
	n.DateCreated = current.DateCreated
	if n.DateModified.IsZero() {
		n.DateModified = current.DateModified
	}
	n.DateModified = n.DateModified.UTC()
	q := t.sql.Update(t.store.tables.Nodes).SetMap(map[string]any{
		"parent_id":       nullable(n.ParentID),
		"first_child_id":  nullable(n.FirstChildID),
		"next_sibling_id": nullable(n.NextSiblingID),
		"prev_sibling_id": nullable(n.PrevSiblingID),
		"route_id":        nullable(n.RouteID),
		"datatype_id":     nullable(n.DatatypeID),
		"author_id":       nullable(n.AuthorID),
		"status":          string(n.Status),
		"date_modified":   encodeTime(n.DateModified),
	}).Where(sq.Eq{"content_data_id": n.ID})
	if _, err := t.exec("update node", q); err != nil {
		return domain.Node{}, err
	}
	t.changes = append(t.changes, domain.Change{Entity: domain.EntityNode, Action: domain.ActionUpdate, Before: current, After: domain.CloneNode(n)})
	return n, nil
}

func (t *txn) DeleteNode(id string) error {
	current, err := t.GetNode(id)
	if err != nil {
		return err
	}
	if _, err := t.exec("delete node", t.sql.Delete(t.store.tables.Nodes).Where(sq.Eq{"content_data_id": id})); err != nil {
		return err
	}
	t.changes = append(t.changes, domain.Change{Entity: domain.EntityNode, Action: domain.ActionDelete, Before: current})
	return nil
}

func (t *txn) nextSeq(nodeID string) (int64, error) {
	query, args, err := t.sql.Select("COALESCE(MAX(seq), 0)").From(t.store.tables.Fields).
		Where(sq.Eq{"content_data_id": nodeID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build field seq: %w", err)
	}
	var seq int64
	if err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&seq); err != nil {
		return 0, t.store.wrap("field seq", err)
	}
	return seq + 1, nil
}

func (t *txn) CreateField(f domain.FieldValue) (domain.FieldValue, error) {
	if _, err := t.GetNode(f.ContentDataID); err != nil {
		return domain.FieldValue{}, err
	}
	if f.ID == "" {
		f.ID = t.store.newID()
	}
	if f.FieldID == "" {
		return domain.FieldValue{}, fmt.Errorf("field value %s: field_id required", f.ID)
	}
	if _, err := t.GetField(f.ID); err == nil {
		return domain.FieldValue{}, &domain.Error{Kind: domain.ErrAlreadyExists, Entity: domain.EntityField, ID: f.ID}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.FieldValue{}, err
	}
	if f.DateCreated.IsZero() {
		f.DateCreated = t.now
	}
	f.DateCreated, f.DateModified = f.DateCreated.UTC(), t.now.UTC()
	seq, err := t.nextSeq(f.ContentDataID)
	if err != nil {
		return domain.FieldValue{}, err
	}
	q := t.sql.Insert(t.store.tables.Fields).
		Columns(append(append([]string{}, fieldColumns...), "seq")...).
		Values(f.ID, f.ContentDataID, f.FieldID, f.Value, nullable(f.AuthorID),
			encodeTime(f.DateCreated), encodeTime(f.DateModified), seq)
	if _, err := t.exec("insert field", q); err != nil {
		return domain.FieldValue{}, err
	}
	t.changes = append(t.changes, domain.Change{Entity: domain.EntityField, Action: domain.ActionCreate, After: domain.CloneField(f)})
	return f, nil
}

func (t *txn) UpdateField(id string, mutator func(*domain.FieldValue) error) (domain.FieldValue, error) {
	current, err := t.GetField(id)
	if err != nil {
		return domain.FieldValue{}, err
	}
	next := domain.CloneField(current)
	if err := mutator(&next); err != nil {
		return domain.FieldValue{}, err
	}
	next.ID, next.ContentDataID, next.DateCreated = id, current.ContentDataID, current.DateCreated
	next.DateModified = t.now.UTC()
	q := t.sql.Update(t.store.tables.Fields).SetMap(map[string]any{
		"field_id":      next.FieldID,
		"field_value":   next.Value,
		"author_id":     nullable(next.AuthorID),
		"date_modified": encodeTime(next.DateModified),
	}).Where(sq.Eq{"content_field_id": id})
	if _, err := t.exec("update field", q); err != nil {
		return domain.FieldValue{}, err
	}
	t.changes = append(t.changes, domain.Change{Entity: domain.EntityField, Action: domain.ActionUpdate, Before: current, After: domain.CloneField(next)})
	return next, nil
}

func (t *txn) DeleteField(id string) error {
	current, err := t.GetField(id)
	if err != nil {
		return err
	}
	if _, err := t.exec("delete field", t.sql.Delete(t.store.tables.Fields).Where(sq.Eq{"content_field_id": id})); err != nil {
		return err
	}
	t.changes = append(t.changes, domain.Change{Entity: domain.EntityField, Action: domain.ActionDelete, Before: current})
	return nil
}

func (t *txn) DeleteFieldsForNode(nodeID string) (int, error) {
	fields, err := t.queryFields("list fields", t.selectFields().
		Where(sq.Eq{"content_data_id": nodeID}).
		OrderBy("seq", "content_field_id"))
	if err != nil {
		return 0, err
	}
	for _, f := range fields {
		if err := t.DeleteField(f.ID); err != nil {
			return 0, err
		}
	}
	return len(fields), nil
}

var _ domain.Transaction = (*txn)(nil)
