package core

import (
	"context"
	"modulacms/pkg/domain"
	"time"
)

// Logger is the structured logging surface used by Service. Arguments are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards every entry. It is the default for components that
// accept a Logger.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// Clock supplies timestamps for audit entries and durations.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

func systemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}

// MetricsRecorder observes the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

type noopSpan struct{}

func (noopSpan) End(error) {}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

// AuditStatus is the outcome recorded for an operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one completed mutating operation.
type AuditEntry struct {
	Operation string
	Entity    EntityType
	Action    Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries for mutating operations.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// RetryPolicy controls how lost write races are retried.
type RetryPolicy struct {
	// MaxAttempts counts the first try; values below 1 mean 1.
	MaxAttempts int
	// Backoff returns the pause before the given retry (1-based).
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy retries twice with a linear 10ms step.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(attempt int) time.Duration { return time.Duration(attempt) * 10 * time.Millisecond },
	}
}

// NoRetry disables retries.
func NoRetry() RetryPolicy { return RetryPolicy{MaxAttempts: 1} }

type serviceOptions struct {
	clock        Clock
	logger       Logger
	audit        AuditRecorder
	metrics      MetricsRecorder
	tracer       Tracer
	retry        RetryPolicy
	deletePolicy domain.SubtreePolicy
	maxNodes     int
	maxDepth     int
	forest       string
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:        systemClock(),
		logger:       NopLogger{},
		audit:        noopAudit{},
		metrics:      noopMetrics{},
		tracer:       noopTracer{},
		retry:        DefaultRetryPolicy(),
		deletePolicy: domain.SubtreeReparent,
		forest:       "content",
	}
}

// Option customises a Service.
type Option func(*serviceOptions)

// WithLogger installs a logger; nil keeps the no-op default.
func WithLogger(l Logger) Option {
	return func(o *serviceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the service clock.
func WithClock(c Clock) Option {
	return func(o *serviceOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithAuditRecorder installs an audit sink.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(o *serviceOptions) {
		if r != nil {
			o.audit = r
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(o *serviceOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithRetryPolicy replaces the conflict retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *serviceOptions) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		o.retry = p
	}
}

// WithDeletePolicy sets the policy used when a delete names none.
func WithDeletePolicy(p domain.SubtreePolicy) Option {
	return func(o *serviceOptions) {
		if p != "" {
			o.deletePolicy = p
		}
	}
}

// WithAssembleLimits bounds tree delivery. Zero keeps the defaults.
func WithAssembleLimits(maxNodes, maxDepth int) Option {
	return func(o *serviceOptions) {
		o.maxNodes = maxNodes
		o.maxDepth = maxDepth
	}
}

// WithForest labels the forest the service operates on ("content" or
// "admin"). It only affects logs, audit entries and export paths.
func WithForest(name string) Option {
	return func(o *serviceOptions) {
		if name != "" {
			o.forest = name
		}
	}
}
