// Package tree assembles stored nodes into nested delivery trees.
package tree

import (
	"context"
	"modulacms/pkg/domain"
)

// DefaultMaxNodes bounds a single traversal.
const DefaultMaxNodes = 100000

// Assembler builds ContentNode trees from a store view. It keeps no state
// between calls and is safe for concurrent use.
type Assembler struct {
	maxNodes int
	maxDepth int
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMaxNodes caps how many nodes one traversal may visit.
func WithMaxNodes(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxNodes = n
		}
	}
}

// WithMaxDepth limits expansion to depth levels below the root. Zero means
// unlimited.
func WithMaxDepth(depth int) Option {
	return func(a *Assembler) {
		if depth >= 0 {
			a.maxDepth = depth
		}
	}
}

// New constructs an Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{maxNodes: DefaultMaxNodes}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithDepth returns a copy of a limited to depth levels. A configured
// maximum is a ceiling: a deeper or unlimited request is clamped to it.
func (a *Assembler) WithDepth(depth int) *Assembler {
	cp := *a
	if depth <= 0 {
		return &cp
	}
	if a.maxDepth == 0 || depth < a.maxDepth {
		cp.maxDepth = depth
	}
	return &cp
}

// MaxDepth reports the expansion limit; zero means unlimited.
func (a *Assembler) MaxDepth() int { return a.maxDepth }

// MaxNodes reports the traversal bound.
func (a *Assembler) MaxNodes() int { return a.maxNodes }

type frame struct {
	node  *domain.ContentNode
	depth int
}

// Assemble returns the subtree rooted at rootID with children in sibling
// chain order. It walks with an explicit stack and tracks every visited node;
// a revisit fails with ErrCycleDetected and exceeding the node bound fails
// with ErrTreeTooLarge. Chain corruption surfaces as ErrBrokenChain or
// ErrDanglingReference from the view.
func (a *Assembler) Assemble(ctx context.Context, view domain.TransactionView, rootID string) (*domain.ContentNode, error) {
	root, err := view.GetNode(rootID)
	if err != nil {
		return nil, err
	}
	visited := make(map[string]struct{})
	rootNode, err := a.visit(view, visited, root)
	if err != nil {
		return nil, err
	}

	stack := []frame{{node: rootNode}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if a.maxDepth > 0 && top.depth >= a.maxDepth {
			top.node.Truncated = top.node.Node.FirstChildID != nil
			continue
		}
		id := top.node.Node.ID
		kids, err := view.GetChildren(&id)
		if err != nil {
			return nil, err
		}
		top.node.Children = make([]*domain.ContentNode, 0, len(kids))
		for _, k := range kids {
			child, err := a.visit(view, visited, k)
			if err != nil {
				return nil, err
			}
			top.node.Children = append(top.node.Children, child)
		}
		for i := len(top.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: top.node.Children[i], depth: top.depth + 1})
		}
	}
	return rootNode, nil
}

func (a *Assembler) visit(view domain.TransactionView, visited map[string]struct{}, n domain.Node) (*domain.ContentNode, error) {
	if _, seen := visited[n.ID]; seen {
		return nil, domain.StoredCycle(n.ID, "node reached twice during assembly")
	}
	if len(visited) >= a.maxNodes {
		return nil, domain.NodeError(domain.ErrTreeTooLarge, n.ID, "more than %d nodes", a.maxNodes)
	}
	visited[n.ID] = struct{}{}
	fields, err := view.ListFields(n.ID)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = []domain.FieldValue{}
	}
	return &domain.ContentNode{Node: n, Fields: fields, Children: []*domain.ContentNode{}}, nil
}

// AssembleForest assembles every root in root-chain order.
func (a *Assembler) AssembleForest(ctx context.Context, view domain.TransactionView) ([]*domain.ContentNode, error) {
	roots, err := view.GetChildren(nil)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.ContentNode, 0, len(roots))
	for _, r := range roots {
		tree, err := a.Assemble(ctx, view, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, tree)
	}
	return out, nil
}

// RootIDs lists the roots of the forest in chain order.
func RootIDs(view domain.TransactionView) ([]string, error) {
	roots, err := view.GetChildren(nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(roots))
	for _, r := range roots {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
