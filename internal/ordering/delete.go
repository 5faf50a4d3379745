package ordering

import (
	"errors"
	"fmt"
	"modulacms/pkg/domain"
)

// Delete removes nodeID and its field values, relinks its former neighbors,
// and applies policy to its children. An empty policy reparents. The
// children are found by parent membership, so a corrupt child chain does
// not block the delete: reparented children keep chain order when it can be
// walked and salvage order otherwise.
func Delete(tx domain.Transaction, nodeID string, policy domain.SubtreePolicy) (domain.DeleteResult, error) {
	if policy == "" {
		policy = domain.SubtreeReparent
	}
	node, err := tx.GetNode(nodeID)
	if err != nil {
		return domain.DeleteResult{}, err
	}
	siblings, err := childIDs(tx, node.ParentID)
	if err != nil {
		return domain.DeleteResult{}, err
	}

	res := domain.DeleteResult{Policy: policy}
	var replacement []string
	switch policy {
	case domain.SubtreeReparent:
		children, err := memberOrder(tx, node)
		if err != nil {
			return domain.DeleteResult{}, err
		}
		replacement = children
		res.Reparented = children
	case domain.SubtreeCascade:
		descendants, err := collectDescendants(tx, nodeID)
		if err != nil {
			return domain.DeleteResult{}, err
		}
		// Deepest first so no surviving row ever names a deleted parent.
		for i := len(descendants) - 1; i >= 0; i-- {
			if err := removeRow(tx, descendants[i], &res); err != nil {
				return domain.DeleteResult{}, err
			}
		}
	default:
		return domain.DeleteResult{}, fmt.Errorf("delete %s: unknown subtree policy %q", nodeID, policy)
	}

	if err := removeRow(tx, nodeID, &res); err != nil {
		return domain.DeleteResult{}, err
	}
	if _, err := writeChain(tx, node.ParentID, splice(siblings, nodeID, replacement)); err != nil {
		return domain.DeleteResult{}, err
	}
	return res, nil
}

func removeRow(tx domain.Transaction, id string, res *domain.DeleteResult) error {
	n, err := tx.DeleteFieldsForNode(id)
	if err != nil {
		return err
	}
	res.DeletedFields += n
	if err := tx.DeleteNode(id); err != nil {
		return err
	}
	res.DeletedNodes = append(res.DeletedNodes, id)
	return nil
}

// memberOrder returns the children of n in chain order, falling back to
// SalvageOrder when the chain is broken.
func memberOrder(tx domain.TransactionView, n domain.Node) ([]string, error) {
	ids, err := childIDs(tx, &n.ID)
	if err == nil {
		return ids, nil
	}
	if !domain.IsInvariantViolation(err) && !errors.Is(err, domain.ErrCycleDetected) {
		return nil, err
	}
	members, merr := tx.ChildSet(&n.ID)
	if merr != nil {
		return nil, merr
	}
	return SalvageOrder(n.FirstChildID, members), nil
}

// collectDescendants lists every node below rootID in pre-order using an
// explicit stack. Membership comes from parent pointers so a cascade also
// removes children a corrupt chain no longer reaches.
func collectDescendants(tx domain.TransactionView, rootID string) ([]string, error) {
	var out []string
	seen := map[string]struct{}{rootID: {}}
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		kids, err := tx.ChildSet(domain.Ref(id))
		if err != nil {
			return nil, err
		}
		for _, k := range kids {
			if _, ok := seen[k.ID]; ok {
				return nil, domain.StoredCycle(k.ID, "reached twice below %s", rootID)
			}
			seen[k.ID] = struct{}{}
			out = append(out, k.ID)
			stack = append(stack, k.ID)
		}
	}
	return out, nil
}

// splice replaces id inside ids with replacement, keeping the surrounding
// order.
func splice(ids []string, id string, replacement []string) []string {
	out := make([]string, 0, len(ids)+len(replacement))
	for _, v := range ids {
		if v == id {
			out = append(out, replacement...)
			continue
		}
		out = append(out, v)
	}
	return out
}
