// Package domain defines the persistent content-tree records, value types,
// and rule evaluation primitives used by modulacms.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the type of record stored in a content forest.
type EntityType string

// Supported entity type identifiers used in Change records and violations.
const (
	// EntityNode identifies a content node row.
	EntityNode EntityType = "content_data"
	// EntityField identifies a field value row.
	EntityField EntityType = "content_field"
)

// Status is the lifecycle tag carried by every node.
type Status string

// Canonical node statuses.
const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
	StatusPending   Status = "pending"
)

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived, StatusPending:
		return true
	}
	return false
}

// ParseStatus converts a user supplied value into a Status. The empty string
// maps to StatusDraft.
func ParseStatus(v string) (Status, error) {
	if v == "" {
		return StatusDraft, nil
	}
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Severity indicates how a rule violation affects a transaction.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Node is one position in the content forest. Structural pointers reference
// other nodes by identifier; nil means "no relation".
type Node struct {
	ID            string    `json:"content_data_id"`
	ParentID      *string   `json:"parent_id,omitempty"`
	FirstChildID  *string   `json:"first_child_id,omitempty"`
	NextSiblingID *string   `json:"next_sibling_id,omitempty"`
	PrevSiblingID *string   `json:"prev_sibling_id,omitempty"`
	RouteID       *string   `json:"route_id,omitempty"`
	DatatypeID    *string   `json:"datatype_id,omitempty"`
	AuthorID      *string   `json:"author_id,omitempty"`
	Status        Status    `json:"status"`
	DateCreated   time.Time `json:"date_created"`
	DateModified  time.Time `json:"date_modified"`
}

// IsRoot reports whether the node has no parent.
func (n Node) IsRoot() bool { return n.ParentID == nil }

// SameStructure reports whether two rows carry identical structural pointers.
func (n Node) SameStructure(other Node) bool {
	return SameRef(n.ParentID, other.ParentID) &&
		SameRef(n.FirstChildID, other.FirstChildID) &&
		SameRef(n.NextSiblingID, other.NextSiblingID) &&
		SameRef(n.PrevSiblingID, other.PrevSiblingID)
}

// FieldValue is an opaque payload attached to a node.
type FieldValue struct {
	ID            string    `json:"content_field_id"`
	ContentDataID string    `json:"content_data_id"`
	FieldID       string    `json:"field_id"`
	Value         string    `json:"field_value"`
	AuthorID      *string   `json:"author_id,omitempty"`
	DateCreated   time.Time `json:"date_created"`
	DateModified  time.Time `json:"date_modified"`
}

// ContentNode is one element of an assembled tree snapshot.
type ContentNode struct {
	Node      Node           `json:"node"`
	Fields    []FieldValue   `json:"fields"`
	Children  []*ContentNode `json:"children"`
	Truncated bool           `json:"truncated,omitempty"`
}

// ContentTree is the delivery shape returned for a root.
type ContentTree struct {
	Root      *ContentNode `json:"root"`
	NodeCount int          `json:"node_count"`
	Depth     int          `json:"depth"`
}

// Walk visits every node of the tree in depth-first pre-order. It uses an
// explicit stack so arbitrarily deep trees do not grow the call stack.
func (c *ContentNode) Walk(fn func(n *ContentNode, depth int) bool) {
	if c == nil {
		return
	}
	type frame struct {
		node  *ContentNode
		depth int
	}
	stack := []frame{{node: c}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(top.node, top.depth) {
			continue
		}
		for i := len(top.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: top.node.Children[i], depth: top.depth + 1})
		}
	}
}

// NewContentTree wraps root and computes summary counters.
func NewContentTree(root *ContentNode) *ContentTree {
	tree := &ContentTree{Root: root}
	root.Walk(func(_ *ContentNode, depth int) bool {
		tree.NodeCount++
		if depth+1 > tree.Depth {
			tree.Depth = depth + 1
		}
		return true
	})
	return tree
}

// Change captures one row mutation recorded inside a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation or integrity check.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("transaction blocked by rules: %s: %s", v.Rule, v.Message)
		}
	}
	return "transaction blocked by rules"
}

// Ref returns a pointer to a copy of id.
func Ref(id string) *string {
	return &id
}

// SameRef compares two optional identifiers by value.
func SameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// RefString renders an optional identifier for logs and messages.
func RefString(id *string) string {
	if id == nil {
		return "<root>"
	}
	return *id
}

// CloneRef copies an optional identifier so callers never share pointers with
// stored rows.
func CloneRef(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// CloneNode returns a deep copy of n.
func CloneNode(n Node) Node {
	cp := n
	cp.ParentID = CloneRef(n.ParentID)
	cp.FirstChildID = CloneRef(n.FirstChildID)
	cp.NextSiblingID = CloneRef(n.NextSiblingID)
	cp.PrevSiblingID = CloneRef(n.PrevSiblingID)
	cp.RouteID = CloneRef(n.RouteID)
	cp.DatatypeID = CloneRef(n.DatatypeID)
	cp.AuthorID = CloneRef(n.AuthorID)
	return cp
}

// CloneField returns a deep copy of f.
func CloneField(f FieldValue) FieldValue {
	cp := f
	cp.AuthorID = CloneRef(f.AuthorID)
	return cp
}
