// Package export writes assembled content trees to blob storage as JSON
// snapshots under trees/<forest>/<root id>.json.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"modulacms/internal/blob"
	"modulacms/internal/core"
	"modulacms/pkg/domain"
	"path"
	"strconv"
	"time"
)

const (
	contentType  = "application/json"
	manifestName = "manifest.json"
)

// TreeSource delivers assembled trees. *core.Service satisfies it.
type TreeSource interface {
	DeliverTree(ctx context.Context, req domain.DeliveryRequest) (*domain.ContentTree, error)
	DeliverForest(ctx context.Context, depth int) ([]*domain.ContentTree, error)
	Forest() string
}

// Manifest lists the snapshots written by ExportForest.
type Manifest struct {
	Forest     string      `json:"forest"`
	ExportedAt time.Time   `json:"exported_at"`
	Trees      []blob.Info `json:"trees"`
}

// Exporter copies delivered trees into a blob store.
type Exporter struct {
	source TreeSource
	store  blob.Store
	logger core.Logger
	now    func() time.Time
}

// Option customises an Exporter.
type Option func(*Exporter)

// WithLogger installs a logger.
func WithLogger(l core.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the manifest timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an exporter reading from source and writing to store.
func New(source TreeSource, store blob.Store, opts ...Option) *Exporter {
	e := &Exporter{
		source: source,
		store:  store,
		logger: core.NopLogger{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the object key of the snapshot for rootID.
func Key(forest, rootID string) string {
	return path.Join("trees", forest, rootID+".json")
}

// Export snapshots the tree rooted at rootID.
func (e *Exporter) Export(ctx context.Context, rootID string) (blob.Info, error) {
	tree, err := e.source.DeliverTree(ctx, domain.DeliveryRequest{RootID: rootID})
	if err != nil {
		return blob.Info{}, fmt.Errorf("deliver %s: %w", rootID, err)
	}
	return e.write(ctx, tree)
}

// ExportForest snapshots every root of the forest, writes a manifest listing
// them and then removes snapshots of roots that no longer exist. Trees come
// from a single consistent read.
func (e *Exporter) ExportForest(ctx context.Context) (Manifest, error) {
	trees, err := e.source.DeliverForest(ctx, 0)
	if err != nil {
		return Manifest{}, fmt.Errorf("deliver forest: %w", err)
	}
	m := Manifest{Forest: e.source.Forest(), ExportedAt: e.now(), Trees: make([]blob.Info, 0, len(trees))}
	for _, tree := range trees {
		info, err := e.write(ctx, tree)
		if err != nil {
			return Manifest{}, err
		}
		m.Trees = append(m.Trees, info)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	key := path.Join("trees", m.Forest, manifestName)
	if _, err := e.store.Put(ctx, key, bytes.NewReader(raw), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"tree_count": strconv.Itoa(len(m.Trees))},
	}); err != nil {
		return Manifest{}, fmt.Errorf("write %s: %w", key, err)
	}
	pruned, err := e.prune(ctx, m)
	if err != nil {
		return Manifest{}, err
	}
	e.logger.Info("forest exported", "forest", m.Forest, "trees", len(m.Trees), "pruned", pruned, "driver", string(e.store.Driver()))
	return m, nil
}

// prune deletes tree snapshots under the forest prefix that m does not list.
func (e *Exporter) prune(ctx context.Context, m Manifest) (int, error) {
	prefix := path.Join("trees", m.Forest) + "/"
	keep := make(map[string]struct{}, len(m.Trees)+1)
	keep[prefix+manifestName] = struct{}{}
	for _, info := range m.Trees {
		keep[info.Key] = struct{}{}
	}
	existing, err := e.store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	pruned := 0
	for _, info := range existing {
		if _, ok := keep[info.Key]; ok || path.Ext(info.Key) != ".json" {
			continue
		}
		if path.Dir(info.Key) != path.Clean(prefix) {
			continue
		}
		removed, err := e.store.Delete(ctx, info.Key)
		if err != nil {
			return pruned, fmt.Errorf("prune %s: %w", info.Key, err)
		}
		if removed {
			pruned++
			e.logger.Debug("stale snapshot removed", "key", info.Key)
		}
	}
	return pruned, nil
}

// Load reads back the snapshot for rootID.
func (e *Exporter) Load(ctx context.Context, rootID string) (*domain.ContentTree, error) {
	key := Key(e.source.Forest(), rootID)
	_, rc, err := e.store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, domain.NodeNotFound(rootID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	var tree domain.ContentTree
	if err := json.NewDecoder(rc).Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &tree, nil
}

func (e *Exporter) write(ctx context.Context, tree *domain.ContentTree) (blob.Info, error) {
	if tree == nil || tree.Root == nil {
		return blob.Info{}, errors.New("export: empty tree")
	}
	raw, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return blob.Info{}, err
	}
	key := Key(e.source.Forest(), tree.Root.Node.ID)
	info, err := e.store.Put(ctx, key, bytes.NewReader(raw), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"node_count": strconv.Itoa(tree.NodeCount),
			"depth":      strconv.Itoa(tree.Depth),
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("write %s: %w", key, err)
	}
	e.logger.Debug("tree exported", "key", key, "node_count", tree.NodeCount, "depth", tree.Depth)
	return info, nil
}
