package ordering

import (
	"modulacms/internal/chain"
	"modulacms/pkg/domain"
	"sort"
	"strings"
)

// Reorder replaces the chain under parentID with orderedIDs. orderedIDs must
// be exactly the current child set: an omission, a foreign identifier or a
// duplicate rejects the whole request. Membership is read from parent
// pointers rather than the existing chain, so a reorder succeeds regardless
// of the previous pointer state.
func Reorder(tx domain.Transaction, parentID *string, orderedIDs []string) (domain.ReorderResult, error) {
	if err := requireParent(tx, parentID); err != nil {
		return domain.ReorderResult{}, err
	}
	members, err := tx.ChildSet(parentID)
	if err != nil {
		return domain.ReorderResult{}, err
	}
	if err := exactSet(parentID, members, orderedIDs); err != nil {
		return domain.ReorderResult{}, err
	}
	if _, err := writeChain(tx, parentID, orderedIDs); err != nil {
		return domain.ReorderResult{}, err
	}
	return domain.ReorderResult{UpdatedCount: len(orderedIDs), ParentID: domain.CloneRef(parentID)}, nil
}

// RepairChain is the explicit maintenance rebuild for a corrupt chain. With
// orderedIDs it behaves like Reorder; without, it keeps whatever prefix is
// still reachable from the stored head and appends the stranded children by
// creation time.
func RepairChain(tx domain.Transaction, parentID *string, orderedIDs []string) (domain.ReorderResult, error) {
	if len(orderedIDs) > 0 {
		return Reorder(tx, parentID, orderedIDs)
	}
	if err := requireParent(tx, parentID); err != nil {
		return domain.ReorderResult{}, err
	}
	members, err := tx.ChildSet(parentID)
	if err != nil {
		return domain.ReorderResult{}, err
	}
	var head *string
	if parentID != nil {
		parent, err := tx.GetNode(*parentID)
		if err != nil {
			return domain.ReorderResult{}, err
		}
		head = parent.FirstChildID
	}
	return Reorder(tx, parentID, SalvageOrder(head, members))
}

// SalvageOrder derives a best-effort order for members: follow next pointers
// from head (or, at the root level, from the earliest root without a previous
// sibling) while they stay inside the member set, then append every member
// not reached, oldest first.
func SalvageOrder(head *string, members []domain.Node) []string {
	byID := chain.Members(members)
	rest := make([]domain.Node, len(members))
	copy(rest, members)
	sort.Slice(rest, func(i, j int) bool {
		if !rest[i].DateCreated.Equal(rest[j].DateCreated) {
			return rest[i].DateCreated.Before(rest[j].DateCreated)
		}
		return rest[i].ID < rest[j].ID
	})
	if head == nil {
		for _, n := range rest {
			if n.ParentID == nil && n.PrevSiblingID == nil {
				head = domain.Ref(n.ID)
				break
			}
		}
	}

	out := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for cur := head; cur != nil; {
		n, ok := byID[*cur]
		if !ok {
			break
		}
		if _, dup := seen[n.ID]; dup {
			break
		}
		seen[n.ID] = struct{}{}
		out = append(out, n.ID)
		cur = n.NextSiblingID
	}
	for _, n := range rest {
		if _, ok := seen[n.ID]; !ok {
			out = append(out, n.ID)
		}
	}
	return out
}

func exactSet(parentID *string, members []domain.Node, orderedIDs []string) error {
	owner := domain.RefString(parentID)
	want := make(map[string]struct{}, len(members))
	for _, m := range members {
		want[m.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(orderedIDs))
	var foreign, dup []string
	for _, id := range orderedIDs {
		if _, ok := seen[id]; ok {
			dup = append(dup, id)
			continue
		}
		seen[id] = struct{}{}
		if _, ok := want[id]; !ok {
			foreign = append(foreign, id)
		}
	}
	var missing []string
	for id := range want {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(foreign) == 0 && len(dup) == 0 && len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ","))
	}
	if len(foreign) > 0 {
		parts = append(parts, "foreign "+strings.Join(foreign, ","))
	}
	if len(dup) > 0 {
		parts = append(parts, "duplicate "+strings.Join(dup, ","))
	}
	return domain.NodeError(domain.ErrInvalidReorderSet, owner, "%s", strings.Join(parts, "; "))
}
