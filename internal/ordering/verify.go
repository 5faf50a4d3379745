package ordering

import (
	"errors"
	"fmt"
	"modulacms/pkg/domain"
	"sort"
)

// Integrity rule names reported in violations.
const (
	RuleSiblingChain = "sibling_chain"
	RuleParentExists = "parent_exists"
	RuleAcyclic      = "forest_acyclic"
)

// Verify checks the chain under parentID and reports what is wrong with it.
// Nothing is repaired.
func Verify(view domain.TransactionView, parentID *string) ([]domain.Violation, error) {
	_, err := view.GetChildren(parentID)
	if err == nil {
		return nil, nil
	}
	if !domain.IsInvariantViolation(err) {
		return nil, err
	}
	return []domain.Violation{chainViolation(parentID, err)}, nil
}

// CheckForest scans every stored node and reports each broken invariant:
// parents that do not exist, ancestry loops, and chains that cannot be
// traversed. Violations are ordered by rule, then entity.
func CheckForest(view domain.TransactionView) ([]domain.Violation, error) {
	nodes, err := view.ListNodes()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var out []domain.Violation
	parents := map[string]*string{"": nil}
	for _, n := range nodes {
		parents[n.ID] = domain.Ref(n.ID)
		if n.ParentID == nil {
			continue
		}
		if _, ok := byID[*n.ParentID]; !ok {
			out = append(out, domain.Violation{
				Rule:     RuleParentExists,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("parent %s does not exist", *n.ParentID),
				Entity:   domain.EntityNode,
				EntityID: n.ID,
			})
		}
	}

	for _, id := range loopMembers(byID) {
		out = append(out, domain.Violation{
			Rule:     RuleAcyclic,
			Severity: domain.SeverityBlock,
			Message:  "node is its own ancestor",
			Entity:   domain.EntityNode,
			EntityID: id,
		})
	}

	for _, parentID := range parents {
		vs, err := Verify(view, parentID)
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// loopMembers returns the nodes that sit on an ancestry cycle.
func loopMembers(byID map[string]domain.Node) []string {
	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int, len(byID))
	var out []string
	for start := range byID {
		if state[start] != unvisited {
			continue
		}
		var path []string
		cur := start
		for {
			st := state[cur]
			if st == done {
				break
			}
			if st == active {
				for i := len(path) - 1; i >= 0; i-- {
					out = append(out, path[i])
					if path[i] == cur {
						break
					}
				}
				break
			}
			state[cur] = active
			path = append(path, cur)
			n := byID[cur]
			if n.ParentID == nil {
				break
			}
			if _, ok := byID[*n.ParentID]; !ok {
				break
			}
			cur = *n.ParentID
		}
		for _, id := range path {
			state[id] = done
		}
	}
	sort.Strings(out)
	return out
}

func chainViolation(parentID *string, err error) domain.Violation {
	v := domain.Violation{
		Rule:     RuleSiblingChain,
		Severity: domain.SeverityBlock,
		Message:  err.Error(),
		Entity:   domain.EntityNode,
		EntityID: domain.RefString(parentID),
	}
	var derr *domain.Error
	if errors.As(err, &derr) && derr.Detail != "" {
		v.Message = derr.Kind.Error() + ": " + derr.Detail
	}
	return v
}
