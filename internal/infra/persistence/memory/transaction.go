package memory

import (
	"fmt"
	"modulacms/internal/chain"
	"modulacms/pkg/domain"
	"sort"
	"time"
)

// view serves reads from a cloned state.
type view struct {
	state *memoryState
}

func (v *view) GetNode(id string) (Node, error) {
	n, ok := v.state.nodes[id]
	if !ok {
		return Node{}, domain.NodeNotFound(id)
	}
	return domain.CloneNode(n), nil
}

func (v *view) members(parentID *string) (map[string]Node, error) {
	if parentID != nil {
		if _, ok := v.state.nodes[*parentID]; !ok {
			return nil, domain.NodeNotFound(*parentID)
		}
	}
	set := v.state.children[parentKey(parentID)]
	out := make(map[string]Node, len(set))
	for id := range set {
		out[id] = domain.CloneNode(v.state.nodes[id])
	}
	return out, nil
}

func (v *view) ChildSet(parentID *string) ([]Node, error) {
	members, err := v.members(parentID)
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(members))
	for _, n := range members {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) GetChildren(parentID *string) ([]Node, error) {
	members, err := v.members(parentID)
	if err != nil {
		return nil, err
	}
	var head *string
	if parentID != nil {
		head = domain.CloneRef(v.state.nodes[*parentID].FirstChildID)
	} else if head, err = chain.RootHead(members); err != nil {
		return nil, err
	}
	return chain.Walk(parentID, head, members, func(id string) (Node, bool, error) {
		n, ok := v.state.nodes[id]
		return domain.CloneNode(n), ok, nil
	})
}

func (v *view) ListFields(nodeID string) ([]FieldValue, error) {
	if _, ok := v.state.nodes[nodeID]; !ok {
		return nil, domain.NodeNotFound(nodeID)
	}
	ids := v.state.nodeFields[nodeID]
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]FieldValue, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.CloneField(v.state.fields[id]))
	}
	return out, nil
}

func (v *view) GetField(id string) (FieldValue, error) {
	f, ok := v.state.fields[id]
	if !ok {
		return FieldValue{}, domain.FieldNotFound(id)
	}
	return domain.CloneField(f), nil
}

func (v *view) ListNodes() ([]Node, error) {
	out := make([]Node, 0, len(v.state.nodes))
	for _, n := range v.state.nodes {
		out = append(out, domain.CloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// transaction represents a mutation set applied to a private state clone.
type transaction struct {
	view
	store   *Store
	owned   memoryState
	changes []Change
	now     time.Time

	readNodes   map[string]struct{}
	readChains  map[string]struct{}
	dirtyNodes  map[string]struct{}
	dirtyFields map[string]struct{}
	// createdFields keeps creation order; sequence numbers are assigned
	// from the committed counter when the transaction is applied.
	createdFields []string
}

func newTransaction(store *Store, state memoryState, now time.Time) *transaction {
	tx := &transaction{
		store:       store,
		owned:       state,
		now:         now,
		readNodes:   make(map[string]struct{}),
		readChains:  make(map[string]struct{}),
		dirtyNodes:  make(map[string]struct{}),
		dirtyFields: make(map[string]struct{}),
	}
	tx.state = &tx.owned
	return tx
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) GetNode(id string) (Node, error) {
	tx.readNodes[id] = struct{}{}
	return tx.view.GetNode(id)
}

func (tx *transaction) ChildSet(parentID *string) ([]Node, error) {
	tx.readChains[parentKey(parentID)] = struct{}{}
	return tx.view.ChildSet(parentID)
}

func (tx *transaction) GetChildren(parentID *string) ([]Node, error) {
	tx.readChains[parentKey(parentID)] = struct{}{}
	return tx.view.GetChildren(parentID)
}

// CreateNode stores a new node within the transaction.
func (tx *transaction) CreateNode(n Node) (Node, error) {
	if n.ID == "" {
		n.ID = tx.store.newID()
	}
	if _, exists := tx.state.nodes[n.ID]; exists {
		return Node{}, &domain.Error{Kind: domain.ErrAlreadyExists, Entity: domain.EntityNode, ID: n.ID}
	}
	if n.Status == "" {
		n.Status = domain.StatusDraft
	}
	if n.DateCreated.IsZero() {
		n.DateCreated = tx.now
	}
	if n.DateModified.IsZero() {
		n.DateModified = tx.now
	}
	tx.state.putNode(n)
	tx.dirtyNodes[n.ID] = struct{}{}
	tx.readNodes[n.ID] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityNode, Action: domain.ActionCreate, After: domain.CloneNode(n)})
	return domain.CloneNode(n), nil
}

// PutNode overwrites an existing node. DateCreated is immutable.
func (tx *transaction) PutNode(n Node) (Node, error) {
	current, ok := tx.state.nodes[n.ID]
	if !ok {
		return Node{}, domain.NodeNotFound(n.ID)
	}
	before := domain.CloneNode(current)
	n.DateCreated = current.DateCreated
	if n.DateModified.IsZero() {
		n.DateModified = current.DateModified
	}
	tx.state.putNode(n)
	tx.dirtyNodes[n.ID] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityNode, Action: domain.ActionUpdate, Before: before, After: domain.CloneNode(n)})
	return domain.CloneNode(n), nil
}

// DeleteNode removes a node row. Field values are removed separately.
func (tx *transaction) DeleteNode(id string) error {
	current, ok := tx.state.nodes[id]
	if !ok {
		return domain.NodeNotFound(id)
	}
	tx.state.deleteNode(id)
	tx.dirtyNodes[id] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityNode, Action: domain.ActionDelete, Before: domain.CloneNode(current)})
	return nil
}

// CreateField attaches a new field value to an existing node.
func (tx *transaction) CreateField(f FieldValue) (FieldValue, error) {
	if _, ok := tx.state.nodes[f.ContentDataID]; !ok {
		return FieldValue{}, domain.NodeNotFound(f.ContentDataID)
	}
	tx.readNodes[f.ContentDataID] = struct{}{}
	if f.ID == "" {
		f.ID = tx.store.newID()
	}
	if _, exists := tx.state.fields[f.ID]; exists {
		return FieldValue{}, &domain.Error{Kind: domain.ErrAlreadyExists, Entity: domain.EntityField, ID: f.ID}
	}
	if f.FieldID == "" {
		return FieldValue{}, fmt.Errorf("field value %s: field_id required", f.ID)
	}
	if f.DateCreated.IsZero() {
		f.DateCreated = tx.now
	}
	f.DateModified = tx.now
	tx.state.putField(f, tx.state.seq+1)
	tx.dirtyFields[f.ID] = struct{}{}
	tx.createdFields = append(tx.createdFields, f.ID)
	tx.recordChange(Change{Entity: domain.EntityField, Action: domain.ActionCreate, After: domain.CloneField(f)})
	return domain.CloneField(f), nil
}

// UpdateField mutates a field value. The owning node cannot change.
func (tx *transaction) UpdateField(id string, mutator func(*FieldValue) error) (FieldValue, error) {
	current, ok := tx.state.fields[id]
	if !ok {
		return FieldValue{}, domain.FieldNotFound(id)
	}
	before := domain.CloneField(current)
	if err := mutator(&current); err != nil {
		return FieldValue{}, err
	}
	current.ID = id
	current.ContentDataID = before.ContentDataID
	current.DateCreated = before.DateCreated
	current.DateModified = tx.now
	tx.state.putField(current, tx.state.fieldSeq[id])
	tx.dirtyFields[id] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityField, Action: domain.ActionUpdate, Before: before, After: domain.CloneField(current)})
	return domain.CloneField(current), nil
}

// DeleteField removes a field value.
func (tx *transaction) DeleteField(id string) error {
	current, ok := tx.state.fields[id]
	if !ok {
		return domain.FieldNotFound(id)
	}
	tx.state.deleteField(id)
	tx.dirtyFields[id] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityField, Action: domain.ActionDelete, Before: domain.CloneField(current)})
	return nil
}

// DeleteFieldsForNode removes every field value owned by nodeID.
func (tx *transaction) DeleteFieldsForNode(nodeID string) (int, error) {
	ids := append([]string(nil), tx.state.nodeFields[nodeID]...)
	for _, id := range ids {
		if err := tx.DeleteField(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// validate must run with the store write lock held.
func (tx *transaction) validate(committed *memoryState) error {
	chains := make(map[string]struct{}, len(tx.readChains))
	for k := range tx.readChains {
		chains[k] = struct{}{}
	}
	for id := range tx.dirtyNodes {
		if n, ok := tx.state.nodes[id]; ok {
			chains[parentKey(n.ParentID)] = struct{}{}
		}
		if n, ok := committed.nodes[id]; ok {
			chains[parentKey(n.ParentID)] = struct{}{}
		}
	}
	for k := range chains {
		if committed.chainVer[k] != tx.state.chainVer[k] {
			return domain.NodeError(domain.ErrConcurrentModification, k, "sibling chain changed by another transaction")
		}
	}
	for _, set := range []map[string]struct{}{tx.readNodes, tx.dirtyNodes} {
		for id := range set {
			if committed.nodeVer[id] != tx.state.nodeVer[id] {
				return domain.NodeError(domain.ErrConcurrentModification, id, "node changed by another transaction")
			}
		}
	}
	for id := range tx.dirtyFields {
		if committed.fieldVer[id] != tx.state.fieldVer[id] {
			return &domain.Error{Kind: domain.ErrConcurrentModification, Entity: domain.EntityField, ID: id}
		}
	}
	return nil
}

// apply copies dirty rows into the committed state and bumps versions.
func (tx *transaction) apply(committed *memoryState) {
	for id := range tx.dirtyNodes {
		old, existed := committed.nodes[id]
		n, exists := tx.state.nodes[id]
		structural := !existed || !exists || !old.SameStructure(n)
		if existed {
			committed.deleteNode(id)
			if structural {
				committed.chainVer[parentKey(old.ParentID)]++
			}
		}
		if exists {
			committed.putNode(n)
			if structural {
				committed.chainVer[parentKey(n.ParentID)]++
			}
		}
		committed.nodeVer[id]++
	}
	for id := range tx.dirtyFields {
		f, ok := tx.state.fields[id]
		switch _, existed := committed.fields[id]; {
		case ok && existed:
			committed.putField(f, committed.fieldSeq[id])
		case ok:
			continue
		default:
			committed.deleteField(id)
		}
		committed.fieldVer[id]++
	}
	for _, id := range tx.createdFields {
		if f, ok := tx.state.fields[id]; ok {
			committed.putField(f, committed.seq+1)
			committed.fieldVer[id]++
		}
	}
}

func sortFieldIDs(ids []string, fields map[string]FieldValue) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := fields[ids[i]], fields[ids[j]]
		if !a.DateCreated.Equal(b.DateCreated) {
			return a.DateCreated.Before(b.DateCreated)
		}
		return ids[i] < ids[j]
	})
}
