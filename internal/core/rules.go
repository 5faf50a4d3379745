package core

import (
	"context"
	"errors"
	"fmt"
	"modulacms/internal/ordering"
	"modulacms/pkg/domain"
	"sort"
)

// Rule names reported by the built-in policy set.
const (
	RuleNodeStatus = "node_status"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set:
// sibling chain integrity and acyclicity for every structural change, and
// status validity for every written node.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(ChainIntegrityRule())
	engine.Register(AcyclicRule())
	engine.Register(NodeStatusRule())
	return engine
}

// movedNodes returns the after images of node writes that touched structural
// pointers.
func movedNodes(changes []Change) []domain.Node {
	var out []domain.Node
	for _, c := range changes {
		a, ok := c.After.(domain.Node)
		if c.Entity != EntityNode || !ok {
			continue
		}
		if b, had := c.Before.(domain.Node); had && b.SameStructure(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ChainIntegrityRule re-walks every chain touched by a structural change and
// blocks the commit when one of them no longer traverses cleanly.
func ChainIntegrityRule() domain.Rule {
	return chainIntegrityRule{}
}

type chainIntegrityRule struct{}

func (chainIntegrityRule) Name() string { return ordering.RuleSiblingChain }

func (chainIntegrityRule) Evaluate(ctx context.Context, view domain.RuleView, changes []Change) (Result, error) {
	parents := make(map[string]*string)
	for _, c := range changes {
		if c.Entity != EntityNode {
			continue
		}
		b, hasBefore := c.Before.(domain.Node)
		a, hasAfter := c.After.(domain.Node)
		if hasBefore && hasAfter && b.SameStructure(a) {
			continue
		}
		if hasBefore {
			parents[domain.RefString(b.ParentID)] = domain.CloneRef(b.ParentID)
		}
		if hasAfter {
			parents[domain.RefString(a.ParentID)] = domain.CloneRef(a.ParentID)
		}
		if hasBefore && hasAfter && !domain.SameRef(b.FirstChildID, a.FirstChildID) {
			parents[a.ID] = domain.Ref(a.ID)
		}
	}
	keys := make([]string, 0, len(parents))
	for k := range parents {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var res Result
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		parentID := parents[k]
		if parentID != nil {
			if _, err := view.GetNode(*parentID); errors.Is(err, domain.ErrNotFound) {
				continue
			} else if err != nil {
				return Result{}, err
			}
		}
		vs, err := ordering.Verify(view, parentID)
		if err != nil {
			return Result{}, err
		}
		res.Violations = append(res.Violations, vs...)
	}
	return res, nil
}

// AcyclicRule walks the ancestry of every node whose structure changed and
// blocks the commit when a node becomes its own ancestor.
func AcyclicRule() domain.Rule {
	return acyclicRule{}
}

type acyclicRule struct{}

func (acyclicRule) Name() string { return ordering.RuleAcyclic }

func (acyclicRule) Evaluate(_ context.Context, view domain.RuleView, changes []Change) (Result, error) {
	after := movedNodes(changes)
	var res Result
	checked := make(map[string]struct{}, len(after))
	for _, changed := range after {
		if _, done := checked[changed.ID]; done {
			continue
		}
		checked[changed.ID] = struct{}{}
		n, err := view.GetNode(changed.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		seen := map[string]struct{}{n.ID: {}}
		cur := n.ParentID
		for cur != nil {
			if _, loop := seen[*cur]; loop {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     ordering.RuleAcyclic,
					Severity: SeverityBlock,
					Message:  fmt.Sprintf("ancestry of %s revisits %s", n.ID, *cur),
					Entity:   EntityNode,
					EntityID: n.ID,
				})
				break
			}
			seen[*cur] = struct{}{}
			parent, err := view.GetNode(*cur)
			if errors.Is(err, domain.ErrNotFound) {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     ordering.RuleParentExists,
					Severity: SeverityBlock,
					Message:  fmt.Sprintf("ancestor %s does not exist", *cur),
					Entity:   EntityNode,
					EntityID: n.ID,
				})
				break
			}
			if err != nil {
				return Result{}, err
			}
			cur = parent.ParentID
		}
	}
	return res, nil
}

// NodeStatusRule blocks writes that store an unknown node status.
func NodeStatusRule() domain.Rule {
	return nodeStatusRule{}
}

type nodeStatusRule struct{}

func (nodeStatusRule) Name() string { return RuleNodeStatus }

func (nodeStatusRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	var res Result
	for _, c := range changes {
		n, ok := c.After.(domain.Node)
		if !ok || c.Entity != EntityNode || n.Status.Valid() {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleNodeStatus,
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("unknown status %q", n.Status),
			Entity:   EntityNode,
			EntityID: n.ID,
		})
	}
	return res, nil
}
