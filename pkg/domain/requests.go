package domain

import (
	"fmt"
	"strings"
	"time"
)

// PositionKind selects where a node lands inside a sibling chain.
type PositionKind string

// Supported insertion slots.
const (
	PositionTail  PositionKind = "tail"
	PositionHead  PositionKind = "head"
	PositionAfter PositionKind = "after"
)

// Position is an insertion slot. The zero value appends.
type Position struct {
	Kind      PositionKind `json:"kind"`
	SiblingID string       `json:"sibling_id,omitempty"`
}

// Head inserts before the current first child.
func Head() Position { return Position{Kind: PositionHead} }

// Tail appends after the current last child.
func Tail() Position { return Position{Kind: PositionTail} }

// After inserts directly behind siblingID.
func After(siblingID string) Position { return Position{Kind: PositionAfter, SiblingID: siblingID} }

func (p Position) String() string {
	if p.Kind == PositionAfter {
		return "after:" + p.SiblingID
	}
	if p.Kind == "" {
		return string(PositionTail)
	}
	return string(p.Kind)
}

// ParsePosition accepts "head", "tail", "" or "after:<id>".
func ParsePosition(v string) (Position, error) {
	switch {
	case v == "" || v == string(PositionTail):
		return Tail(), nil
	case v == string(PositionHead):
		return Head(), nil
	case strings.HasPrefix(v, "after:") && len(v) > len("after:"):
		return After(strings.TrimPrefix(v, "after:")), nil
	}
	return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, v)
}

// SubtreePolicy decides what happens to the children of a deleted node.
type SubtreePolicy string

// Delete policies.
const (
	// SubtreeReparent splices the children, in order, into the deleted
	// node's slot in the grandparent chain.
	SubtreeReparent SubtreePolicy = "reparent-to-grandparent"
	// SubtreeCascade deletes every descendant and their field values.
	SubtreeCascade SubtreePolicy = "cascade-delete"
)

// ParseSubtreePolicy validates a policy name. The empty string is returned
// unchanged so callers can fall back to a configured default.
func ParseSubtreePolicy(v string) (SubtreePolicy, error) {
	switch SubtreePolicy(v) {
	case "", SubtreeReparent, SubtreeCascade:
		return SubtreePolicy(v), nil
	case "reparent":
		return SubtreeReparent, nil
	case "cascade":
		return SubtreeCascade, nil
	}
	return "", fmt.Errorf("unknown subtree policy %q", v)
}

// CreateNodeRequest is the create contract consumed by the API layer.
type CreateNodeRequest struct {
	ID           string    `json:"content_data_id,omitempty"`
	ParentID     *string   `json:"parent_id,omitempty"`
	DatatypeID   *string   `json:"datatype_id,omitempty"`
	RouteID      *string   `json:"route_id,omitempty"`
	AuthorID     *string   `json:"author_id,omitempty"`
	Status       Status    `json:"status"`
	Position     Position  `json:"position"`
	DateCreated  time.Time `json:"date_created,omitempty"`
	DateModified time.Time `json:"date_modified,omitempty"`
}

// UpdateNodeRequest carries non-structural edits. ParentID is accepted only
// when it matches the stored parent; structural changes go through Move.
type UpdateNodeRequest struct {
	ID           string    `json:"content_data_id"`
	ParentID     *string   `json:"parent_id,omitempty"`
	RouteID      *string   `json:"route_id,omitempty"`
	DatatypeID   *string   `json:"datatype_id,omitempty"`
	AuthorID     *string   `json:"author_id,omitempty"`
	Status       Status    `json:"status"`
	DateCreated  time.Time `json:"date_created,omitempty"`
	DateModified time.Time `json:"date_modified,omitempty"`
}

// ReorderRequest replaces a parent's child order wholesale.
type ReorderRequest struct {
	ParentID   *string  `json:"parent_id,omitempty"`
	OrderedIDs []string `json:"ordered_ids"`
}

// ReorderResult reports the rebuilt chain.
type ReorderResult struct {
	UpdatedCount int     `json:"updated_count"`
	ParentID     *string `json:"parent_id,omitempty"`
}

// DeliveryRequest asks for an assembled tree.
type DeliveryRequest struct {
	RootID string `json:"root_id"`
	Format string `json:"format,omitempty"`
	// Depth limits how many levels below the root are expanded; 0 means all.
	Depth int `json:"depth,omitempty"`
}

// DeleteResult reports what a delete removed or relinked.
type DeleteResult struct {
	Policy        SubtreePolicy `json:"policy"`
	DeletedNodes  []string      `json:"deleted_nodes"`
	Reparented    []string      `json:"reparented,omitempty"`
	DeletedFields int           `json:"deleted_fields"`
}
