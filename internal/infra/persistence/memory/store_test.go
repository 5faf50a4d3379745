package memory

import (
	"context"
	"errors"
	"fmt"
	"modulacms/pkg/domain"
	"strings"
	"sync"
	"testing"
	"time"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("n%02d", n)
	}
}

// linkChain writes a fresh chain under parentID in the given order.
func linkChain(tx domain.Transaction, parentID *string, ids ...string) error {
	for i, id := range ids {
		n := domain.Node{ID: id, ParentID: domain.CloneRef(parentID)}
		if i > 0 {
			n.PrevSiblingID = domain.Ref(ids[i-1])
		}
		if i < len(ids)-1 {
			n.NextSiblingID = domain.Ref(ids[i+1])
		}
		if _, err := tx.CreateNode(n); err != nil {
			return err
		}
	}
	if parentID != nil && len(ids) > 0 {
		parent, err := tx.GetNode(*parentID)
		if err != nil {
			return err
		}
		parent.FirstChildID = domain.Ref(ids[0])
		if _, err := tx.PutNode(parent); err != nil {
			return err
		}
	}
	return nil
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(func() time.Time { return fixed }), WithIDGenerator(seqIDs()))
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.GetNode("missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		created, err := tx.CreateNode(domain.Node{})
		if err != nil {
			return err
		}
		if created.ID != "n01" {
			t.Fatalf("expected generated ID, got %q", created.ID)
		}
		if created.Status != domain.StatusDraft || !created.DateCreated.Equal(fixed) {
			t.Fatalf("expected defaults stamped, got %+v", created)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	snapshot := store.ExportState()
	if len(snapshot.Nodes) != 1 {
		t.Fatalf("expected persisted node, got %d", len(snapshot.Nodes))
	}
	store.ImportState(Snapshot{})
	if len(store.ExportState().Nodes) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ExportState().Nodes) != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStoreRollbackOnError(t *testing.T) {
	store := NewStore(nil)
	sentinel := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateNode(domain.Node{ID: "a"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if len(store.ExportState().Nodes) != 0 {
		t.Fatalf("expected rollback")
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateNode(domain.Node{ID: "a"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ExportState().Nodes) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

func TestStoreCancelledContextRollsBack(t *testing.T) {
	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateNode(domain.Node{ID: "a"}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(store.ExportState().Nodes) != 0 {
		t.Fatalf("expected rollback after cancellation")
	}
	if err := store.View(ctx, func(domain.TransactionView) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled view, got %v", err)
	}
}

func TestGetChildrenFollowsChain(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := linkChain(tx, nil, "p"); err != nil {
			return err
		}
		return linkChain(tx, domain.Ref("p"), "c", "a", "b")
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := store.View(ctx, func(v domain.TransactionView) error {
		kids, err := v.GetChildren(domain.Ref("p"))
		if err != nil {
			return err
		}
		got := ""
		for _, k := range kids {
			got += k.ID
		}
		if got != "cab" {
			t.Fatalf("expected chain order cab, got %s", got)
		}
		set, err := v.ChildSet(domain.Ref("p"))
		if err != nil {
			return err
		}
		if len(set) != 3 || set[0].ID != "a" {
			t.Fatalf("expected id-ordered child set, got %+v", set)
		}
		roots, err := v.GetChildren(nil)
		if err != nil {
			return err
		}
		if len(roots) != 1 || roots[0].ID != "p" {
			t.Fatalf("expected single root, got %+v", roots)
		}
		if _, err := v.GetChildren(domain.Ref("missing")); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected missing parent error, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestGetChildrenDetectsCorruption(t *testing.T) {
	base := map[string]Node{
		"p": {ID: "p", FirstChildID: domain.Ref("a")},
		"a": {ID: "a", ParentID: domain.Ref("p"), NextSiblingID: domain.Ref("b")},
		"b": {ID: "b", ParentID: domain.Ref("p"), PrevSiblingID: domain.Ref("a")},
	}
	cases := []struct {
		name   string
		mutate func(map[string]Node)
		want   error
	}{
		{"cycle", func(m map[string]Node) {
			b := m["b"]
			b.NextSiblingID = domain.Ref("a")
			m["b"] = b
		}, domain.ErrBrokenChain},
		{"dangling", func(m map[string]Node) {
			b := m["b"]
			b.NextSiblingID = domain.Ref("ghost")
			m["b"] = b
		}, domain.ErrDanglingReference},
		{"unreachable", func(m map[string]Node) {
			a := m["a"]
			a.NextSiblingID = nil
			m["a"] = a
		}, domain.ErrBrokenChain},
		{"prev mismatch", func(m map[string]Node) {
			b := m["b"]
			b.PrevSiblingID = nil
			m["b"] = b
		}, domain.ErrBrokenChain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nodes := make(map[string]Node, len(base))
			for k, v := range base {
				nodes[k] = domain.CloneNode(v)
			}
			tc.mutate(nodes)
			store := NewStore(nil)
			store.ImportState(Snapshot{Nodes: nodes})
			err := store.View(context.Background(), func(v domain.TransactionView) error {
				_, err := v.GetChildren(domain.Ref("p"))
				return err
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestFieldValuesKeepInsertionOrder(t *testing.T) {
	store := NewStore(nil, WithIDGenerator(seqIDs()))
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateNode(domain.Node{ID: "a"}); err != nil {
			return err
		}
		for _, fid := range []string{"title", "body", "slug"} {
			if _, err := tx.CreateField(domain.FieldValue{ID: "z-" + fid, ContentDataID: "a", FieldID: fid, Value: fid}); err != nil {
				return err
			}
		}
		if _, err := tx.CreateField(domain.FieldValue{ContentDataID: "missing", FieldID: "x"}); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected missing owner error, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateField("z-title", func(f *domain.FieldValue) error {
			f.Value = "Hello"
			f.ContentDataID = "elsewhere"
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := store.View(ctx, func(v domain.TransactionView) error {
		fields, err := v.ListFields("a")
		if err != nil {
			return err
		}
		if len(fields) != 3 || fields[0].FieldID != "title" || fields[1].FieldID != "body" || fields[2].FieldID != "slug" {
			t.Fatalf("unexpected field order %+v", fields)
		}
		if fields[0].Value != "Hello" || fields[0].ContentDataID != "a" {
			t.Fatalf("update must keep owner, got %+v", fields[0])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		n, err := tx.DeleteFieldsForNode("a")
		if n != 3 {
			t.Fatalf("expected 3 deleted fields, got %d", n)
		}
		return err
	}); err != nil {
		t.Fatalf("delete fields: %v", err)
	}
	if len(store.ExportState().Fields) != 0 {
		t.Fatalf("expected fields removed")
	}
}

func TestConcurrentWritersOnSameChainConflict(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return linkChain(tx, nil, "a", "b")
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, err := tx.GetChildren(nil); err != nil {
				return err
			}
			close(started)
			<-release
			a, err := tx.GetNode("a")
			if err != nil {
				return err
			}
			a.RouteID = domain.Ref("slow")
			_, err = tx.PutNode(a)
			return err
		})
		done <- err
	}()
	<-started
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateNode(domain.Node{ID: "c", PrevSiblingID: domain.Ref("b")})
		if err != nil {
			return err
		}
		b, err := tx.GetNode("b")
		if err != nil {
			return err
		}
		b.NextSiblingID = domain.Ref("c")
		_, err = tx.PutNode(b)
		return err
	}); err != nil {
		t.Fatalf("fast writer: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	if store.ExportState().Nodes["a"].RouteID != nil {
		t.Fatalf("losing transaction must not commit")
	}
}

func TestDisjointChainsCommitIndependently(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := linkChain(tx, nil, "p", "q"); err != nil {
			return err
		}
		if err := linkChain(tx, domain.Ref("p"), "p1"); err != nil {
			return err
		}
		return linkChain(tx, domain.Ref("q"), "q1")
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			n, err := tx.GetNode("p1")
			if err != nil {
				return err
			}
			close(started)
			<-release
			n.Status = domain.StatusPublished
			_, err = tx.PutNode(n)
			return err
		})
		done <- err
	}()
	<-started
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		n, err := tx.GetNode("q1")
		if err != nil {
			return err
		}
		n.Status = domain.StatusArchived
		_, err = tx.PutNode(n)
		return err
	}); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("disjoint writer should commit: %v", err)
	}
	state := store.ExportState()
	if state.Nodes["p1"].Status != domain.StatusPublished || state.Nodes["q1"].Status != domain.StatusArchived {
		t.Fatalf("expected both commits, got %+v", state.Nodes)
	}
}

func fieldIDs(t *testing.T, store *Store, nodeID string) []string {
	t.Helper()
	var ids []string
	if err := store.View(context.Background(), func(v domain.TransactionView) error {
		fields, err := v.ListFields(nodeID)
		for _, f := range fields {
			ids = append(ids, f.ID)
		}
		return err
	}); err != nil {
		t.Fatalf("list fields of %s: %v", nodeID, err)
	}
	return ids
}

func TestFieldSequenceFollowsCommitOrder(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateNode(domain.Node{ID: "a"}); err != nil {
			return err
		}
		_, err := tx.CreateField(domain.FieldValue{ID: "f-0", ContentDataID: "a", FieldID: "title"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The outer transaction snapshots first but commits last.
	if _, err := store.RunInTransaction(ctx, func(outer domain.Transaction) error {
		if _, err := outer.CreateField(domain.FieldValue{ID: "f-a", ContentDataID: "a", FieldID: "body"}); err != nil {
			return err
		}
		_, err := store.RunInTransaction(ctx, func(inner domain.Transaction) error {
			_, err := inner.CreateField(domain.FieldValue{ID: "f-b", ContentDataID: "a", FieldID: "slug"})
			return err
		})
		return err
	}); err != nil {
		t.Fatalf("interleaved creates: %v", err)
	}

	if got := strings.Join(fieldIDs(t, store, "a"), ","); got != "f-0,f-b,f-a" {
		t.Fatalf("expected commit order f-0,f-b,f-a, got %s", got)
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	if store.state.fieldSeq["f-b"] != 2 || store.state.fieldSeq["f-a"] != 3 {
		t.Fatalf("sequence numbers must come from the committed counter: %v", store.state.fieldSeq)
	}
}

func TestConcurrentFieldCreatesGetDistinctSequences(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateNode(domain.Node{ID: "a"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				_, err := tx.CreateField(domain.FieldValue{ID: fmt.Sprintf("f%d", i), ContentDataID: "a", FieldID: "tag"})
				return err
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	ids := fieldIDs(t, store, "a")
	if len(ids) != writers {
		t.Fatalf("expected %d fields, got %v", writers, ids)
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	seen := make(map[uint64]string, writers)
	var last uint64
	for _, id := range ids {
		seq := store.state.fieldSeq[id]
		if other, dup := seen[seq]; dup {
			t.Fatalf("%s and %s share sequence %d", other, id, seq)
		}
		if seq <= last {
			t.Fatalf("fields not listed in sequence order: %v", ids)
		}
		seen[seq], last = id, seq
	}
}

func TestViewIsIsolatedFromLaterCommits(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateNode(domain.Node{ID: "a"}); err != nil {
			return err
		}
		_, err := tx.CreateField(domain.FieldValue{ID: "f1", ContentDataID: "a", FieldID: "title", Value: "old"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := store.View(ctx, func(v domain.TransactionView) error {
		if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, err := tx.UpdateField("f1", func(f *domain.FieldValue) error {
				f.Value = "new"
				return nil
			}); err != nil {
				return err
			}
			if _, err := tx.CreateField(domain.FieldValue{ID: "f2", ContentDataID: "a", FieldID: "body"}); err != nil {
				return err
			}
			_, err := tx.CreateNode(domain.Node{ID: "b"})
			return err
		}); err != nil {
			return err
		}
		fields, err := v.ListFields("a")
		if err != nil {
			return err
		}
		if len(fields) != 1 || fields[0].Value != "old" {
			t.Fatalf("view saw a later commit: %+v", fields)
		}
		if _, err := v.GetNode("b"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("view saw a later node, err=%v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if got := strings.Join(fieldIDs(t, store, "a"), ","); got != "f1,f2" {
		t.Fatalf("expected f1,f2 after commit, got %s", got)
	}
}
