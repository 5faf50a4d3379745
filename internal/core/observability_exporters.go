package core

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"modulacms/pkg/domain"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-operation outcome counters and latency
// totals under one expvar map, visible at /debug/vars as
//
//	{"results_total": {"move_node.success": 3, ...}, "durations_ms_total": {"move_node": 4.2}}
type ExpvarMetricsRecorder struct {
	name      string
	results   *expvar.Map
	durations *expvar.Map
}

// ExpvarMetricsSnapshot is a point-in-time copy of the published counters.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated contenttree_metrics_<n> name when name is empty. Publishing the
// same name twice panics, as expvar does.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("contenttree_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	r := &ExpvarMetricsRecorder{
		name:      name,
		results:   new(expvar.Map).Init(),
		durations: new(expvar.Map).Init(),
	}
	root := new(expvar.Map).Init()
	root.Set("results_total", r.results)
	root.Set("durations_ms_total", r.durations)
	expvar.Publish(name, root)
	return r
}

// Name returns the expvar key.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := AuditStatusError
	if success {
		status = AuditStatusSuccess
	}
	r.results.Add(operation+"."+string(status), 1)
	r.durations.AddFloat(operation, float64(duration)/float64(time.Millisecond))
}

// Snapshot regroups the flat counters by operation.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	snap := ExpvarMetricsSnapshot{
		DurationsMS: make(map[string]float64),
		Results:     make(map[string]map[string]int64),
		RecordedAt:  time.Now().UTC(),
	}
	r.results.Do(func(kv expvar.KeyValue) {
		i := strings.LastIndexByte(kv.Key, '.')
		if i < 0 {
			return
		}
		op, status := kv.Key[:i], kv.Key[i+1:]
		if snap.Results[op] == nil {
			snap.Results[op] = make(map[string]int64, 2)
		}
		if n, ok := kv.Value.(*expvar.Int); ok {
			snap.Results[op][status] = n.Value()
		}
	})
	r.durations.Do(func(kv expvar.KeyValue) {
		if f, ok := kv.Value.(*expvar.Float); ok {
			snap.DurationsMS[kv.Key] = f.Value()
		}
	})
	return snap
}

// DefaultTraceRetention bounds the spans a JSONTraceTracer keeps in memory.
const DefaultTraceRetention = 1024

// JSONTraceEntry is one finished span.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes each finished span as one JSON line and retains the
// most recent DefaultTraceRetention spans.
type JSONTraceTracer struct {
	mu      sync.Mutex
	enc     *json.Encoder
	entries []JSONTraceEntry
	limit   int
	now     func() time.Time
}

// NewJSONTracer returns a tracer writing to w. A nil w only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{limit: DefaultTraceRetention, now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns the retained spans, oldest first.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: t.now()}
}

func (t *JSONTraceTracer) record(e JSONTraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == t.limit {
		t.entries = append(t.entries[:0], t.entries[1:]...)
	}
	t.entries = append(t.entries, e)
	if t.enc != nil {
		_ = t.enc.Encode(e)
	}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonTraceSpan) End(err error) {
	s.once.Do(func() {
		ended := s.tracer.now()
		e := JSONTraceEntry{
			Operation:  s.operation,
			Status:     string(AuditStatusSuccess),
			DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
			StartedAt:  s.started,
			EndedAt:    ended,
		}
		if err != nil {
			e.Status = string(AuditStatusError)
			e.Error = err.Error()
			e.ErrorKind = ErrorKind(err)
		}
		s.tracer.record(e)
	})
}

// errorKinds maps domain sentinels to stable labels; order matters only for
// errors that wrap more than one.
var errorKinds = []struct {
	err  error
	kind string
}{
	{domain.ErrConcurrentModification, "conflict"},
	{domain.ErrNotFound, "not_found"},
	{domain.ErrParentNotFound, "parent_not_found"},
	{domain.ErrInvalidReorderSet, "invalid_reorder_set"},
	{domain.ErrInvalidPosition, "invalid_position"},
	{domain.ErrCorruptStructure, "corrupt_structure"},
	{domain.ErrCycleDetected, "cycle"},
	{domain.ErrBrokenChain, "broken_chain"},
	{domain.ErrDanglingReference, "dangling_reference"},
	{domain.ErrStructuralChange, "structural_change"},
	{domain.ErrTreeTooLarge, "tree_too_large"},
	{domain.ErrUnsupportedFormat, "unsupported_format"},
	{domain.ErrAlreadyExists, "already_exists"},
	{context.Canceled, "canceled"},
	{context.DeadlineExceeded, "deadline"},
}

// ErrorKind classifies err for traces and logs: a domain error kind,
// "rule_violation", "canceled", "deadline" or "internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	var rv RuleViolationError
	if errors.As(err, &rv) {
		return "rule_violation"
	}
	return "internal"
}
