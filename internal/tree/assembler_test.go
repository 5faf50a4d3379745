package tree

import (
	"context"
	"fmt"
	"modulacms/internal/infra/persistence/memory"
	"modulacms/internal/ordering"
	"modulacms/pkg/domain"
	"testing"

	"github.com/stretchr/testify/require"
)

func build(t *testing.T, edges [][2]string) *memory.Store {
	t.Helper()
	s := memory.NewStore(nil)
	_, err := s.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for _, e := range edges {
			var parent *string
			if e[0] != "" {
				parent = domain.Ref(e[0])
			}
			if _, err := ordering.Insert(tx, parent, domain.Node{ID: e[1]}, domain.Tail()); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return s
}

func assemble(t *testing.T, s domain.PersistentStore, a *Assembler, rootID string) (*domain.ContentNode, error) {
	t.Helper()
	var out *domain.ContentNode
	err := s.View(context.Background(), func(v domain.TransactionView) error {
		var err error
		out, err = a.Assemble(context.Background(), v, rootID)
		return err
	})
	return out, err
}

func childIDs(n *domain.ContentNode) []string {
	out := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, c.Node.ID)
	}
	return out
}

func TestAssembleMatchesChainOrder(t *testing.T) {
	s := build(t, [][2]string{{"", "R"}, {"R", "A"}, {"R", "B"}, {"R", "C"}, {"B", "B1"}})
	_, err := s.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := ordering.Reorder(tx, domain.Ref("R"), []string{"C", "A", "B"}); err != nil {
			return err
		}
		_, err := tx.CreateField(domain.FieldValue{ContentDataID: "A", FieldID: "title", Value: "Hello"})
		return err
	})
	require.NoError(t, err)

	root, err := assemble(t, s, New(), "R")
	require.NoError(t, err)
	require.Equal(t, []string{"C", "A", "B"}, childIDs(root))
	require.Equal(t, []string{"B1"}, childIDs(root.Children[2]))
	require.Len(t, root.Children[1].Fields, 1)
	require.Equal(t, "Hello", root.Children[1].Fields[0].Value)
	require.NotNil(t, root.Fields)

	tree := domain.NewContentTree(root)
	require.Equal(t, 5, tree.NodeCount)
	require.Equal(t, 3, tree.Depth)
}

func TestAssembleDepthTruncates(t *testing.T) {
	s := build(t, [][2]string{{"", "R"}, {"R", "A"}, {"A", "A1"}, {"A1", "A2"}, {"R", "B"}})
	root, err := assemble(t, s, New().WithDepth(1), "R")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, childIDs(root))
	require.True(t, root.Children[0].Truncated)
	require.Empty(t, root.Children[0].Children)
	require.False(t, root.Children[1].Truncated)
	require.False(t, root.Truncated)
}

func TestWithDepthClampsToConfiguredMaximum(t *testing.T) {
	capped := New(WithMaxDepth(2))
	require.Equal(t, 2, capped.WithDepth(5).MaxDepth())
	require.Equal(t, 1, capped.WithDepth(1).MaxDepth())
	require.Equal(t, 2, capped.WithDepth(0).MaxDepth())
	require.Equal(t, 7, New().WithDepth(7).MaxDepth())
	require.Equal(t, 2, capped.MaxDepth(), "WithDepth must not mutate the receiver")

	s := build(t, [][2]string{{"", "R"}, {"R", "A"}, {"A", "A1"}, {"A1", "A2"}})
	root, err := assemble(t, s, capped.WithDepth(10), "R")
	require.NoError(t, err)
	a1 := root.Children[0].Children[0]
	require.Equal(t, "A1", a1.Node.ID)
	require.True(t, a1.Truncated)
	require.Empty(t, a1.Children)
}

func TestAssembleNodeBound(t *testing.T) {
	s := build(t, [][2]string{{"", "R"}, {"R", "A"}, {"R", "B"}, {"R", "C"}})
	_, err := assemble(t, s, New(WithMaxNodes(3)), "R")
	require.ErrorIs(t, err, domain.ErrTreeTooLarge)
	_, err = assemble(t, s, New(WithMaxNodes(4)), "R")
	require.NoError(t, err)
}

func TestAssembleDetectsCycle(t *testing.T) {
	s := memory.NewStore(nil)
	s.ImportState(memory.Snapshot{Nodes: map[string]domain.Node{
		"R": {ParentID: domain.Ref("X"), FirstChildID: domain.Ref("X")},
		"X": {ParentID: domain.Ref("R"), FirstChildID: domain.Ref("R")},
	}})
	_, err := assemble(t, s, New(), "R")
	require.ErrorIs(t, err, domain.ErrCycleDetected)
	require.ErrorIs(t, err, domain.ErrCorruptStructure)
	require.True(t, domain.IsInvariantViolation(err))
}

func TestAssembleDanglingChild(t *testing.T) {
	s := build(t, [][2]string{{"", "R"}, {"R", "A"}})
	state := s.ExportState()
	a := state.Nodes["A"]
	a.NextSiblingID = domain.Ref("ghost")
	state.Nodes["A"] = a
	s.ImportState(state)
	_, err := assemble(t, s, New(), "R")
	require.ErrorIs(t, err, domain.ErrDanglingReference)
}

func TestAssembleMissingRoot(t *testing.T) {
	s := memory.NewStore(nil)
	_, err := assemble(t, s, New(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAssembleDeepTreeIteratively(t *testing.T) {
	const depth = 20000
	nodes := make(map[string]domain.Node, depth)
	for i := 0; i < depth; i++ {
		n := domain.Node{ID: fmt.Sprintf("n%05d", i)}
		if i > 0 {
			n.ParentID = domain.Ref(fmt.Sprintf("n%05d", i-1))
		}
		if i < depth-1 {
			n.FirstChildID = domain.Ref(fmt.Sprintf("n%05d", i+1))
		}
		nodes[n.ID] = n
	}
	s := memory.NewStore(nil)
	s.ImportState(memory.Snapshot{Nodes: nodes})
	root, err := assemble(t, s, New(), "n00000")
	require.NoError(t, err)
	require.Equal(t, depth, domain.NewContentTree(root).Depth)
}

func TestAssembleHonoursCancellation(t *testing.T) {
	s := build(t, [][2]string{{"", "R"}, {"R", "A"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.View(context.Background(), func(v domain.TransactionView) error {
		_, err := New().Assemble(ctx, v, "R")
		return err
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAssembleForestAndRootIDs(t *testing.T) {
	s := build(t, [][2]string{{"", "R1"}, {"", "R2"}, {"R2", "A"}})
	err := s.View(context.Background(), func(v domain.TransactionView) error {
		trees, err := New().AssembleForest(context.Background(), v)
		require.NoError(t, err)
		require.Len(t, trees, 2)
		require.Equal(t, "R1", trees[0].Node.ID)
		require.Equal(t, []string{"A"}, childIDs(trees[1]))
		ids, err := RootIDs(v)
		require.Equal(t, []string{"R1", "R2"}, ids)
		return err
	})
	require.NoError(t, err)
}
