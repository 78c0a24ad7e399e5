package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/idempotency"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/metrics"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/policy"
)

// ReportFormat controls the CLI output format.
type ReportFormat string

const (
	ReportFormatJSON  ReportFormat = "json"
	ReportFormatTable ReportFormat = "table"
)

// defaultNotifyTimeout bounds notification when no reserve is configured.
const defaultNotifyTimeout = 10 * time.Second

// storeTimeout bounds the commit and release calls, which run after the
// invocation context may already be done.
const storeTimeout = 5 * time.Second

const tracerName = "github.com/pankaj-dahiya-devops/sgdrift/internal/engine"

// BaselineSource loads the authorized rule set.
type BaselineSource interface {
	Load(ctx context.Context, objectID string) (models.Baseline, error)
}

// RuleFetcher reads the live rule set of the monitored object.
type RuleFetcher interface {
	FetchCurrentRules(ctx context.Context, objectID string) (models.RuleSet, error)
}

// Remediator revokes drifted rules and reports one result per rule.
type Remediator interface {
	Remediate(ctx context.Context, objectID string, rules []models.Rule) []models.RuleResult
}

// Notifier delivers reports. It never returns an error; failures are
// recorded per channel.
type Notifier interface {
	Notify(ctx context.Context, f *models.DriftFinding) []models.ChannelOutcome
	NotifyFault(ctx context.Context, n models.FaultNotice) []models.ChannelOutcome
}

// Guard deduplicates deliveries of the same event.
type Guard interface {
	ShouldProcess(ctx context.Context, eventID string) (idempotency.Decision, error)
	Commit(ctx context.Context, d idempotency.Decision) error
	Release(ctx context.Context, d idempotency.Decision) error
}

// Dependencies are the collaborators an Engine drives. All are required.
type Dependencies struct {
	Baseline   BaselineSource
	Fetcher    RuleFetcher
	Remediator Remediator
	Notifier   Notifier
	Guard      Guard
}

// Engine runs one change event through dedup, load, diff, remediation and
// notification for a single monitored security group.
//
// Engine never calls AWS SDK clients directly; it delegates to its
// Dependencies.
type Engine struct {
	objectID string
	deps     Dependencies

	invocationTimeout time.Duration
	notifyReserve     time.Duration
	notifyOnFault     bool
	policy            *policy.PolicyConfig

	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records invocation metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTimeouts sets the overall invocation budget and the share of it held
// back for notification. A zero invocation timeout leaves the caller's
// deadline in charge.
func WithTimeouts(invocation, notifyReserve time.Duration) Option {
	return func(e *Engine) {
		e.invocationTimeout = invocation
		e.notifyReserve = notifyReserve
	}
}

// WithFaultNotifications also notifies channels when an invocation faults.
func WithFaultNotifications(enabled bool) Option {
	return func(e *Engine) { e.notifyOnFault = enabled }
}

// WithPolicy re-grades drifted rules with the operator's severity
// overrides before they are reported.
func WithPolicy(p *policy.PolicyConfig) Option {
	return func(e *Engine) { e.policy = p }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine guarding objectID.
func New(objectID string, deps Dependencies, opts ...Option) *Engine {
	e := &Engine{
		objectID: objectID,
		deps:     deps,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ObjectID returns the monitored security group.
func (e *Engine) ObjectID() string { return e.objectID }
