package core

import (
	"context"
	"errors"
	"modulacms/internal/infra/persistence/memory"
	"modulacms/internal/tree"
	"modulacms/pkg/domain"
	"time"
)

// Service exposes the transactional content tree operations. Every mutation
// runs in one store transaction, is retried on lost write races, and is
// reported to the configured logger, metrics, tracer and audit sinks.
type Service struct {
	store        PersistentStore
	assembler    *tree.Assembler
	clock        Clock
	logger       Logger
	audit        AuditRecorder
	metrics      MetricsRecorder
	tracer       Tracer
	retry        RetryPolicy
	deletePolicy domain.SubtreePolicy
	forest       string
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	var treeOpts []tree.Option
	if o.maxNodes > 0 {
		treeOpts = append(treeOpts, tree.WithMaxNodes(o.maxNodes))
	}
	if o.maxDepth > 0 {
		treeOpts = append(treeOpts, tree.WithMaxDepth(o.maxDepth))
	}
	return &Service{
		store:        store,
		assembler:    tree.New(treeOpts...),
		clock:        o.clock,
		logger:       o.logger,
		audit:        o.audit,
		metrics:      o.metrics,
		tracer:       o.tracer,
		retry:        o.retry,
		deletePolicy: o.deletePolicy,
		forest:       o.forest,
	}
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine. A nil engine installs the default policy set.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Forest names the forest this service operates on.
func (s *Service) Forest() string {
	return s.forest
}

// Close releases the store.
func (s *Service) Close() error {
	return s.store.Close()
}

type auditMeta struct {
	entity EntityType
	action Action
}

var auditedOperations = map[string]auditMeta{
	"create_node":      {EntityNode, ActionCreate},
	"update_node":      {EntityNode, ActionUpdate},
	"move_node":        {EntityNode, ActionUpdate},
	"reorder_children": {EntityNode, ActionUpdate},
	"repair_chain":     {EntityNode, ActionUpdate},
	"delete_node":      {EntityNode, ActionDelete},
	"create_field":     {EntityField, ActionCreate},
	"update_field":     {EntityField, ActionUpdate},
	"delete_field":     {EntityField, ActionDelete},
}

// mutate runs fn in a write transaction, retrying lost races according to
// the retry policy. entityID is evaluated after the final attempt.
func (s *Service) mutate(ctx context.Context, op string, entityID func() string, fn func(Transaction) error) (Result, error) {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	var (
		res      Result
		err      error
		attempts int
	)
	for {
		attempts++
		res, err = s.store.RunInTransaction(ctx, fn)
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) || attempts >= s.retry.MaxAttempts {
			break
		}
		s.logger.Warn("retrying after concurrent modification", "operation", op, "forest", s.forest, "attempt", attempts, "error", err)
		if werr := s.pause(ctx, attempts); werr != nil {
			err = werr
			break
		}
	}
	id := entityID()
	duration := s.clock.Now().Sub(start)
	s.finish(ctx, op, id, duration, span, err)
	s.recordAudit(ctx, op, id, attempts, duration, err)
	return res, err
}

// read runs fn against a snapshot. Reads are never retried or audited.
func (s *Service) read(ctx context.Context, op string, entityID string, fn func(TransactionView) error) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := s.store.View(ctx, fn)
	s.finish(ctx, op, entityID, s.clock.Now().Sub(start), span, err)
	return err
}

func (s *Service) pause(ctx context.Context, attempt int) error {
	if s.retry.Backoff == nil {
		return ctx.Err()
	}
	wait := s.retry.Backoff(attempt)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) finish(ctx context.Context, op, entityID string, duration time.Duration, span TraceSpan, err error) {
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "forest", s.forest, "entity_id", entityID, "duration", duration, "kind", ErrorKind(err), "error", err)
		return
	}
	s.logger.Debug("operation completed", "operation", op, "forest", s.forest, "entity_id", entityID, "duration", duration)
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, attempts int, duration time.Duration, err error) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Attempts:  attempts,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
