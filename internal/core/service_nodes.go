package core

import (
	"context"
	"fmt"
	"modulacms/internal/ordering"
	"modulacms/internal/tree"
	"modulacms/pkg/domain"
	"strings"
)

// CreateNode inserts a new childless node under req.ParentID at req.Position.
func (s *Service) CreateNode(ctx context.Context, req domain.CreateNodeRequest) (Node, Result, error) {
	var created Node
	res, err := s.mutate(ctx, "create_node", func() string { return created.ID }, func(tx Transaction) error {
		status, err := domain.ParseStatus(string(req.Status))
		if err != nil {
			return err
		}
		created, err = ordering.Insert(tx, req.ParentID, Node{
			ID:           req.ID,
			RouteID:      domain.CloneRef(req.RouteID),
			DatatypeID:   domain.CloneRef(req.DatatypeID),
			AuthorID:     domain.CloneRef(req.AuthorID),
			Status:       status,
			DateCreated:  req.DateCreated,
			DateModified: req.DateModified,
		}, req.Position)
		return err
	})
	return created, res, err
}

// UpdateNode edits the non-structural columns of a node. Nil references and
// an empty status keep the stored value. A ParentID that differs from the
// stored parent is rejected; structural edits go through MoveNode.
func (s *Service) UpdateNode(ctx context.Context, req domain.UpdateNodeRequest) (Node, Result, error) {
	var updated Node
	res, err := s.mutate(ctx, "update_node", func() string { return req.ID }, func(tx Transaction) error {
		current, err := tx.GetNode(req.ID)
		if err != nil {
			return err
		}
		if req.ParentID != nil && !domain.SameRef(req.ParentID, current.ParentID) {
			return domain.NodeError(domain.ErrStructuralChange, req.ID,
				"parent %s differs from stored parent %s; use move", *req.ParentID, domain.RefString(current.ParentID))
		}
		next := domain.CloneNode(current)
		if req.RouteID != nil {
			next.RouteID = domain.CloneRef(req.RouteID)
		}
		if req.DatatypeID != nil {
			next.DatatypeID = domain.CloneRef(req.DatatypeID)
		}
		if req.AuthorID != nil {
			next.AuthorID = domain.CloneRef(req.AuthorID)
		}
		if req.Status != "" {
			if !req.Status.Valid() {
				return fmt.Errorf("update node %s: unknown status %q", req.ID, req.Status)
			}
			next.Status = req.Status
		}
		next.DateModified = req.DateModified
		if next.DateModified.IsZero() {
			next.DateModified = tx.Now()
		}
		updated, err = tx.PutNode(next)
		return err
	})
	return updated, res, err
}

// MoveNode relocates id, with its subtree, under newParentID at pos.
func (s *Service) MoveNode(ctx context.Context, id string, newParentID *string, pos Position) (Node, Result, error) {
	var moved Node
	res, err := s.mutate(ctx, "move_node", func() string { return id }, func(tx Transaction) error {
		var err error
		moved, err = ordering.Move(tx, id, newParentID, pos)
		return err
	})
	return moved, res, err
}

// ReorderChildren replaces the child order of req.ParentID wholesale.
func (s *Service) ReorderChildren(ctx context.Context, req domain.ReorderRequest) (domain.ReorderResult, Result, error) {
	var out domain.ReorderResult
	res, err := s.mutate(ctx, "reorder_children", func() string { return domain.RefString(req.ParentID) }, func(tx Transaction) error {
		var err error
		out, err = ordering.Reorder(tx, req.ParentID, req.OrderedIDs)
		return err
	})
	return out, res, err
}

// DeleteNode removes id and its field values. An empty policy falls back to
// the configured default.
func (s *Service) DeleteNode(ctx context.Context, id string, policy SubtreePolicy) (domain.DeleteResult, Result, error) {
	if policy == "" {
		policy = s.deletePolicy
	}
	var out domain.DeleteResult
	res, err := s.mutate(ctx, "delete_node", func() string { return id }, func(tx Transaction) error {
		var err error
		out, err = ordering.Delete(tx, id, policy)
		return err
	})
	return out, res, err
}

// RepairChain rebuilds the chain under parentID. With no ids the order is
// salvaged from the surviving pointers.
func (s *Service) RepairChain(ctx context.Context, parentID *string, ids []string) (domain.ReorderResult, Result, error) {
	var out domain.ReorderResult
	res, err := s.mutate(ctx, "repair_chain", func() string { return domain.RefString(parentID) }, func(tx Transaction) error {
		var err error
		out, err = ordering.RepairChain(tx, parentID, ids)
		return err
	})
	return out, res, err
}

// GetNode resolves a single node.
func (s *Service) GetNode(ctx context.Context, id string) (Node, error) {
	var n Node
	err := s.read(ctx, "get_node", id, func(v TransactionView) error {
		var err error
		n, err = v.GetNode(id)
		return err
	})
	return n, err
}

// GetChildren lists the children of parentID in chain order; nil lists the
// roots.
func (s *Service) GetChildren(ctx context.Context, parentID *string) ([]Node, error) {
	var kids []Node
	err := s.read(ctx, "get_children", domain.RefString(parentID), func(v TransactionView) error {
		var err error
		kids, err = v.GetChildren(parentID)
		return err
	})
	return kids, err
}

func deliveryFormat(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "raw":
		return nil
	}
	return fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, format)
}

func (s *Service) assemblerFor(depth int) *tree.Assembler {
	if depth > 0 {
		return s.assembler.WithDepth(depth)
	}
	return s.assembler
}

// DeliverTree assembles the tree rooted at req.RootID from one snapshot.
func (s *Service) DeliverTree(ctx context.Context, req domain.DeliveryRequest) (*ContentTree, error) {
	var out *ContentTree
	err := s.read(ctx, "deliver_tree", req.RootID, func(v TransactionView) error {
		if err := deliveryFormat(req.Format); err != nil {
			return err
		}
		root, err := s.assemblerFor(req.Depth).Assemble(ctx, v, req.RootID)
		if err != nil {
			return err
		}
		out = domain.NewContentTree(root)
		return nil
	})
	return out, err
}

// DeliverForest assembles every root, in root chain order, from one snapshot.
func (s *Service) DeliverForest(ctx context.Context, depth int) ([]*ContentTree, error) {
	var out []*ContentTree
	err := s.read(ctx, "deliver_forest", s.forest, func(v TransactionView) error {
		roots, err := s.assemblerFor(depth).AssembleForest(ctx, v)
		if err != nil {
			return err
		}
		out = make([]*ContentTree, 0, len(roots))
		for _, r := range roots {
			out = append(out, domain.NewContentTree(r))
		}
		return nil
	})
	return out, err
}

// CheckIntegrity scans the whole forest and reports every violated
// invariant without repairing anything.
func (s *Service) CheckIntegrity(ctx context.Context) ([]Violation, error) {
	var out []Violation
	err := s.read(ctx, "check_integrity", s.forest, func(v TransactionView) error {
		var err error
		out, err = ordering.CheckForest(v)
		return err
	})
	if err == nil && len(out) > 0 {
		s.logger.Warn("integrity violations found", "forest", s.forest, "count", len(out))
	}
	return out, err
}
