// Package chain traverses persisted sibling chains without trusting them.
// Every store backend routes GetChildren through Walk so corruption is
// detected identically regardless of where rows live.
package chain

import (
	"modulacms/pkg/domain"
	"sort"
)

// Resolver looks up a node that is not a member of the chain being walked.
// It lets Walk tell a pointer into another chain (broken) apart from a
// pointer to nothing (dangling).
type Resolver func(id string) (domain.Node, bool, error)

// Walk orders members (every node whose parent is parentID) by following
// next pointers from head. It fails instead of looping: a revisit, a member
// whose prev pointer disagrees with the walk, or members left unreached are
// reported as domain.ErrBrokenChain; a pointer to a missing row is reported as
// domain.ErrDanglingReference.
func Walk(parentID, head *string, members map[string]domain.Node, resolve Resolver) ([]domain.Node, error) {
	owner := domain.RefString(parentID)
	if head == nil {
		if len(members) > 0 {
			return nil, chainError(domain.ErrBrokenChain, owner, "parent has %d children but no first child", len(members))
		}
		return []domain.Node{}, nil
	}

	out := make([]domain.Node, 0, len(members))
	visited := make(map[string]struct{}, len(members))
	var prev *string
	cur := *head
	for {
		n, ok := members[cur]
		if !ok {
			return nil, foreign(owner, cur, resolve)
		}
		if _, seen := visited[cur]; seen {
			return nil, chainError(domain.ErrBrokenChain, owner, "sibling %s visited twice", cur)
		}
		visited[cur] = struct{}{}
		if !domain.SameRef(n.PrevSiblingID, prev) {
			return nil, chainError(domain.ErrBrokenChain, owner, "sibling %s has prev %s, expected %s",
				cur, domain.RefString(n.PrevSiblingID), domain.RefString(prev))
		}
		out = append(out, n)
		if n.NextSiblingID == nil {
			break
		}
		prev = domain.Ref(cur)
		cur = *n.NextSiblingID
	}
	if len(out) != len(members) {
		return nil, chainError(domain.ErrBrokenChain, owner, "%d of %d children unreachable from head %s",
			len(members)-len(out), len(members), *head)
	}
	return out, nil
}

// RootHead finds the head of the root-level chain: the unique root without a
// previous sibling. There is no parent row to hold the pointer.
func RootHead(roots map[string]domain.Node) (*string, error) {
	var heads []string
	for id, n := range roots {
		if n.PrevSiblingID == nil {
			heads = append(heads, id)
		}
	}
	switch {
	case len(heads) == 1:
		return domain.Ref(heads[0]), nil
	case len(heads) == 0 && len(roots) == 0:
		return nil, nil
	case len(heads) == 0:
		return nil, chainError(domain.ErrBrokenChain, domain.RefString(nil), "no root without a previous sibling")
	}
	sort.Strings(heads)
	return nil, chainError(domain.ErrBrokenChain, domain.RefString(nil), "multiple chain heads %v", heads)
}

// Members indexes nodes by identifier.
func Members(nodes []domain.Node) map[string]domain.Node {
	out := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}

func foreign(owner, id string, resolve Resolver) error {
	if resolve != nil {
		n, ok, err := resolve(id)
		if err != nil {
			return err
		}
		if ok {
			return chainError(domain.ErrBrokenChain, owner, "chain links to %s whose parent is %s",
				id, domain.RefString(n.ParentID))
		}
	}
	return chainError(domain.ErrDanglingReference, owner, "chain links to missing node %s", id)
}

func chainError(kind error, owner string, format string, args ...any) error {
	return domain.NodeError(kind, owner, format, args...)
}
