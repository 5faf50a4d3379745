// Package ordering is the only writer of structural pointers. Every function
// runs against a caller-supplied transaction, resolves state fresh from it,
// and leaves every touched chain fully linked before returning.
package ordering

import (
	"errors"
	"modulacms/pkg/domain"
)

// Insert creates node under parentID at pos. The node starts without
// children; any structural pointers on the input are ignored.
func Insert(tx domain.Transaction, parentID *string, node domain.Node, pos domain.Position) (domain.Node, error) {
	if err := requireParent(tx, parentID); err != nil {
		return domain.Node{}, err
	}
	siblings, err := childIDs(tx, parentID)
	if err != nil {
		return domain.Node{}, err
	}
	at, err := slot(siblings, pos, "")
	if err != nil {
		return domain.Node{}, err
	}

	node.ParentID = domain.CloneRef(parentID)
	node.FirstChildID = nil
	node.PrevSiblingID = nil
	node.NextSiblingID = nil
	created, err := tx.CreateNode(node)
	if err != nil {
		return domain.Node{}, err
	}
	if _, err := writeChain(tx, parentID, insertAt(siblings, at, created.ID)); err != nil {
		return domain.Node{}, err
	}
	return tx.GetNode(created.ID)
}

// Move detaches nodeID from its chain and links it under newParentID at pos.
// Only the moved node's parent and sibling pointers change; its own subtree
// travels with it untouched.
func Move(tx domain.Transaction, nodeID string, newParentID *string, pos domain.Position) (domain.Node, error) {
	node, err := tx.GetNode(nodeID)
	if err != nil {
		return domain.Node{}, err
	}
	if err := requireParent(tx, newParentID); err != nil {
		return domain.Node{}, err
	}
	if err := ensureNotAncestor(tx, nodeID, newParentID); err != nil {
		return domain.Node{}, err
	}
	if pos.Kind == domain.PositionAfter && pos.SiblingID == nodeID {
		return domain.Node{}, domain.NodeError(domain.ErrInvalidPosition, nodeID, "cannot position a node after itself")
	}

	oldSiblings, err := childIDs(tx, node.ParentID)
	if err != nil {
		return domain.Node{}, err
	}
	remaining := without(oldSiblings, nodeID)

	if domain.SameRef(node.ParentID, newParentID) {
		at, err := slot(remaining, pos, nodeID)
		if err != nil {
			return domain.Node{}, err
		}
		if _, err := writeChain(tx, newParentID, insertAt(remaining, at, nodeID)); err != nil {
			return domain.Node{}, err
		}
		return tx.GetNode(nodeID)
	}

	// Both chains are read before either is written so that a corrupt
	// target chain aborts the move before anything changes.
	targetSiblings, err := childIDs(tx, newParentID)
	if err != nil {
		return domain.Node{}, err
	}
	at, err := slot(targetSiblings, pos, nodeID)
	if err != nil {
		return domain.Node{}, err
	}
	if _, err := writeChain(tx, node.ParentID, remaining); err != nil {
		return domain.Node{}, err
	}
	if _, err := writeChain(tx, newParentID, insertAt(targetSiblings, at, nodeID)); err != nil {
		return domain.Node{}, err
	}
	return tx.GetNode(nodeID)
}

// writeChain rewrites the chain under parentID so that it holds exactly ids
// in order, including each node's parent pointer and the parent's head
// pointer. Rows whose pointers already match are left alone. It returns the
// number of rows written.
func writeChain(tx domain.Transaction, parentID *string, ids []string) (int, error) {
	now := tx.Now()
	written := 0
	for i, id := range ids {
		current, err := tx.GetNode(id)
		if err != nil {
			return written, err
		}
		want := domain.CloneNode(current)
		want.ParentID = domain.CloneRef(parentID)
		want.PrevSiblingID = nil
		want.NextSiblingID = nil
		if i > 0 {
			want.PrevSiblingID = domain.Ref(ids[i-1])
		}
		if i < len(ids)-1 {
			want.NextSiblingID = domain.Ref(ids[i+1])
		}
		if want.SameStructure(current) {
			continue
		}
		want.DateModified = now
		if _, err := tx.PutNode(want); err != nil {
			return written, err
		}
		written++
	}
	if parentID == nil {
		return written, nil
	}
	parent, err := tx.GetNode(*parentID)
	if err != nil {
		return written, err
	}
	var head *string
	if len(ids) > 0 {
		head = domain.Ref(ids[0])
	}
	if domain.SameRef(parent.FirstChildID, head) {
		return written, nil
	}
	parent.FirstChildID = head
	parent.DateModified = now
	if _, err := tx.PutNode(parent); err != nil {
		return written, err
	}
	return written + 1, nil
}

func requireParent(tx domain.TransactionView, parentID *string) error {
	if parentID == nil {
		return nil
	}
	if _, err := tx.GetNode(*parentID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.Error{Kind: domain.ErrParentNotFound, Entity: domain.EntityNode, ID: *parentID}
		}
		return err
	}
	return nil
}

// ensureNotAncestor walks up from newParentID and fails if nodeID is met.
func ensureNotAncestor(tx domain.TransactionView, nodeID string, newParentID *string) error {
	seen := make(map[string]struct{})
	for cur := newParentID; cur != nil; {
		if *cur == nodeID {
			return domain.NodeError(domain.ErrCycleDetected, nodeID, "target parent %s is the node or one of its descendants", *newParentID)
		}
		if _, ok := seen[*cur]; ok {
			return domain.StoredCycle(*cur, "stored ancestry loops")
		}
		seen[*cur] = struct{}{}
		n, err := tx.GetNode(*cur)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NodeError(domain.ErrDanglingReference, *cur, "ancestor does not exist")
			}
			return err
		}
		cur = n.ParentID
	}
	return nil
}

func childIDs(tx domain.TransactionView, parentID *string) ([]string, error) {
	kids, err := tx.GetChildren(parentID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(kids))
	for i, k := range kids {
		out[i] = k.ID
	}
	return out, nil
}

// slot resolves pos to an index into siblings. self is excluded from
// matching so a node cannot be positioned relative to itself.
func slot(siblings []string, pos domain.Position, self string) (int, error) {
	switch pos.Kind {
	case domain.PositionHead:
		return 0, nil
	case domain.PositionTail, "":
		return len(siblings), nil
	case domain.PositionAfter:
		for i, id := range siblings {
			if id == pos.SiblingID && id != self {
				return i + 1, nil
			}
		}
		return 0, domain.NodeError(domain.ErrInvalidPosition, pos.SiblingID, "not a sibling in the target chain")
	}
	return 0, domain.NodeError(domain.ErrInvalidPosition, self, "unknown position %q", pos.Kind)
}

func insertAt(ids []string, at int, id string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:at]...)
	out = append(out, id)
	return append(out, ids[at:]...)
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
