package domain

import (
	"context"
	"time"
)

// TransactionView provides read-only access to a consistent snapshot of one
// content forest.
type TransactionView interface {
	// GetNode resolves a node or fails with ErrNotFound.
	GetNode(id string) (Node, error)
	// GetChildren returns the children of parentID (nil for the root level)
	// in sibling-chain order. A chain that cannot be fully traversed fails
	// with ErrBrokenChain or ErrDanglingReference.
	GetChildren(parentID *string) ([]Node, error)
	// ChildSet returns every node whose parent is parentID, ordered by
	// identifier, without consulting sibling pointers.
	ChildSet(parentID *string) ([]Node, error)
	// ListFields returns a node's field values in insertion order.
	ListFields(nodeID string) ([]FieldValue, error)
	// GetField resolves a single field value.
	GetField(id string) (FieldValue, error)
	// ListNodes returns every node in the forest ordered by identifier.
	ListNodes() ([]Node, error)
}

// Transaction exposes the row operations a persistence implementation must
// support within an atomic scope. Structural consistency is the caller's
// responsibility; the ordering package is the only writer of sibling pointers.
type Transaction interface {
	TransactionView
	// Now is the transaction clock used for timestamps.
	Now() time.Time
	CreateNode(Node) (Node, error)
	// PutNode overwrites every column of an existing node.
	PutNode(Node) (Node, error)
	DeleteNode(id string) error
	CreateField(FieldValue) (FieldValue, error)
	UpdateField(id string, mutator func(*FieldValue) error) (FieldValue, error)
	DeleteField(id string) error
	DeleteFieldsForNode(nodeID string) (int, error)
}

// RuleView is the read surface rules evaluate against.
type RuleView = TransactionView

// PersistentStore is the abstraction over durable backends.
type PersistentStore interface {
	// RunInTransaction commits only when fn returns nil and blocking rules
	// pass; any other outcome rolls back.
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}
