// Package memory provides an in-memory implementation of the content-tree
// persistence store used for tests and ephemeral environments.
package memory

import (
	"context"
	"modulacms/pkg/domain"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Node aliases domain.Node for in-memory persistence operations.
	Node = domain.Node
	// FieldValue aliases domain.FieldValue.
	FieldValue = domain.FieldValue
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// rootKey indexes the root-level chain; node identifiers are never empty.
const rootKey = ""

func parentKey(parentID *string) string {
	if parentID == nil {
		return rootKey
	}
	return *parentID
}

type memoryState struct {
	nodes    map[string]Node
	fields   map[string]FieldValue
	fieldSeq map[string]uint64
	children map[string]map[string]struct{}
	seq      uint64

	// nodeFields lists each owner's field ids in (seq, id) order.
	nodeFields map[string][]string

	// Commit versions. A transaction conflicts when anything it read or
	// wrote was committed by someone else after its snapshot was taken.
	nodeVer  map[string]uint64
	chainVer map[string]uint64
	fieldVer map[string]uint64
}

// Snapshot captures a point-in-time clone of the store rows.
type Snapshot struct {
	Nodes  map[string]Node       `json:"nodes"`
	Fields map[string]FieldValue `json:"fields"`
}

func newMemoryState() memoryState {
	return memoryState{
		nodes:    make(map[string]Node),
		fields:   make(map[string]FieldValue),
		fieldSeq:   make(map[string]uint64),
		children:   make(map[string]map[string]struct{}),
		nodeFields: make(map[string][]string),
		nodeVer:    make(map[string]uint64),
		chainVer:   make(map[string]uint64),
		fieldVer:   make(map[string]uint64),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.nodes {
		cloned.nodes[k] = domain.CloneNode(v)
	}
	for k, v := range s.fields {
		cloned.fields[k] = domain.CloneField(v)
	}
	for k, v := range s.fieldSeq {
		cloned.fieldSeq[k] = v
	}
	for k, set := range s.children {
		cp := make(map[string]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		cloned.children[k] = cp
	}
	for k, ids := range s.nodeFields {
		cloned.nodeFields[k] = append([]string(nil), ids...)
	}
	for k, v := range s.nodeVer {
		cloned.nodeVer[k] = v
	}
	for k, v := range s.chainVer {
		cloned.chainVer[k] = v
	}
	for k, v := range s.fieldVer {
		cloned.fieldVer[k] = v
	}
	cloned.seq = s.seq
	return cloned
}

func (s *memoryState) putNode(n Node) {
	if old, ok := s.nodes[n.ID]; ok {
		s.unindex(old)
	}
	s.nodes[n.ID] = domain.CloneNode(n)
	key := parentKey(n.ParentID)
	set, ok := s.children[key]
	if !ok {
		set = make(map[string]struct{})
		s.children[key] = set
	}
	set[n.ID] = struct{}{}
}

func (s *memoryState) deleteNode(id string) {
	if old, ok := s.nodes[id]; ok {
		s.unindex(old)
		delete(s.nodes, id)
	}
}

func (s *memoryState) unindex(n Node) {
	key := parentKey(n.ParentID)
	if set, ok := s.children[key]; ok {
		delete(set, n.ID)
		if len(set) == 0 {
			delete(s.children, key)
		}
	}
}

func (s *memoryState) putField(f FieldValue, seq uint64) {
	old, ok := s.fields[f.ID]
	if !ok || s.fieldSeq[f.ID] != seq || old.ContentDataID != f.ContentDataID {
		if ok {
			s.unindexField(old)
		}
		s.indexField(f.ContentDataID, f.ID, seq)
	}
	s.fields[f.ID] = domain.CloneField(f)
	s.fieldSeq[f.ID] = seq
	if seq > s.seq {
		s.seq = seq
	}
}

func (s *memoryState) deleteField(id string) {
	if old, ok := s.fields[id]; ok {
		s.unindexField(old)
	}
	delete(s.fields, id)
	delete(s.fieldSeq, id)
}

func (s *memoryState) indexField(owner, id string, seq uint64) {
	ids := s.nodeFields[owner]
	i := sort.Search(len(ids), func(i int) bool {
		si := s.fieldSeq[ids[i]]
		return si > seq || (si == seq && ids[i] > id)
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	s.nodeFields[owner] = ids
}

func (s *memoryState) unindexField(f FieldValue) {
	ids := s.nodeFields[f.ContentDataID]
	for i, id := range ids {
		if id != f.ID {
			continue
		}
		if len(ids) == 1 {
			delete(s.nodeFields, f.ContentDataID)
			return
		}
		s.nodeFields[f.ContentDataID] = append(ids[:i:i], ids[i+1:]...)
		return
	}
}

// Store provides an in-memory transactional store for one content forest.
// Transactions work on a private clone and commit optimistically: the write
// lock is held only while validating versions and applying the delta.
// Views share the committed state; the next commit copies it first.
type Store struct {
	mu     sync.RWMutex
	state  *memoryState
	shared atomic.Bool
	engine *RulesEngine
	nowFn  func() time.Time
	newID  func() string
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the transaction clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	state := newMemoryState()
	s := &Store{
		state:  &state,
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
		newID:  newUUID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ExportState clones the current store rows for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Nodes:  make(map[string]Node, len(s.state.nodes)),
		Fields: make(map[string]FieldValue, len(s.state.fields)),
	}
	for k, v := range s.state.nodes {
		out.Nodes[k] = domain.CloneNode(v)
	}
	for k, v := range s.state.fields {
		out.Fields[k] = domain.CloneField(v)
	}
	return out
}

// ImportState replaces the store rows with the provided snapshot verbatim.
// No structural validation is performed; CheckIntegrity reports problems.
func (s *Store) ImportState(snapshot Snapshot) {
	state := newMemoryState()
	for id, n := range snapshot.Nodes {
		n.ID = id
		state.putNode(n)
	}
	ids := make([]string, 0, len(snapshot.Fields))
	for id := range snapshot.Fields {
		ids = append(ids, id)
	}
	sortFieldIDs(ids, snapshot.Fields)
	for i, id := range ids {
		f := snapshot.Fields[id]
		f.ID = id
		state.putField(f, uint64(i+1))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.state.nodeVer {
		state.nodeVer[k] = v + 1
	}
	for k, v := range s.state.chainVer {
		state.chainVer[k] = v + 1
	}
	for k := range state.children {
		state.chainVer[k]++
	}
	s.state = &state
	s.shared.Store(false)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// Close implements domain.PersistentStore; the memory store holds no resources.
func (s *Store) Close() error { return nil }

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy is committed only if fn succeeds, rules pass, the context is still
// live, and no row or chain read by the transaction changed in the meantime;
// otherwise the error is returned and the copy is discarded.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.RLock()
	tx := newTransaction(s, s.state.clone(), s.nowFn())
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	result, err := domain.EvaluateCommit(ctx, s.engine, tx, tx.changes)
	if err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := tx.validate(s.state); err != nil {
		return Result{}, err
	}
	tx.apply(s.writable())
	return result, nil
}

// writable returns the committed state, copying it first when a view may
// still be reading it. Callers hold the write lock.
func (s *Store) writable() *memoryState {
	if s.shared.Swap(false) {
		cp := s.state.clone()
		s.state = &cp
	}
	return s.state
}

// View executes fn against a read-only snapshot of the store state. The
// snapshot is the committed state itself; commits never mutate it in place
// once a view has taken it.
func (s *Store) View(ctx context.Context, fn func(TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state
	s.shared.Store(true)
	s.mu.RUnlock()
	return fn(&view{state: snapshot})
}
