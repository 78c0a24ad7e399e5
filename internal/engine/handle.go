package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/drift"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/idempotency"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/identity"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/logging"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/policy"
)

// invocation carries the per-event state through Handle.
type invocation struct {
	res      models.InvocationResult
	ev       models.ChangeEvent
	decision idempotency.Decision
	logger   *zap.Logger
	span     trace.Span
	started  time.Time
}

func (inv *invocation) enter(s models.State) {
	inv.res.State = s
	inv.res.Trail = append(inv.res.Trail, s)
	inv.logger.Debug("state transition", zap.String("state", string(s)))
	inv.span.AddEvent(string(s))
}

// Handle processes one change event and returns its structured result.
//
// The returned error is non-nil only when the invocation faulted; it is
// always a *faults.Error whose Kind tells the caller whether redelivery may
// help. Partial remediation failure is not an error: it completes with
// outcome partial-failure.
func (e *Engine) Handle(ctx context.Context, ev models.ChangeEvent) (models.InvocationResult, error) {
	inv := &invocation{ev: ev, started: e.now()}
	inv.res = models.InvocationResult{
		InvocationID: uuid.NewString(),
		EventID:      ev.EventID,
		ObjectID:     ev.ObjectID,
	}
	inv.logger = logging.Invocation(e.logger, inv.res.InvocationID, ev.EventID, ev.ObjectID)

	ctx, inv.span = e.tracer.Start(ctx, "sgdrift.handle", trace.WithAttributes(
		attribute.String("sgdrift.event_id", ev.EventID),
		attribute.String("sgdrift.object_id", ev.ObjectID),
		attribute.String("sgdrift.event_name", ev.EventName),
	))
	defer inv.span.End()

	if e.invocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.invocationTimeout)
		defer cancel()
	}

	inv.enter(models.StateReceived)
	res, err := e.run(ctx, inv)

	res.Duration = e.now().Sub(inv.started)
	e.metrics.RecordInvocation(string(res.Outcome), res.Duration)
	inv.span.SetAttributes(attribute.String("sgdrift.outcome", string(res.Outcome)))
	return res, err
}

func (e *Engine) run(ctx context.Context, inv *invocation) (models.InvocationResult, error) {
	ev := inv.ev

	if ev.ObjectID != e.objectID {
		inv.logger.Info("event for another security group ignored", zap.String("monitored", e.objectID))
		return e.complete(inv, models.OutcomeIgnored), nil
	}
	if ev.Operation != models.OperationAuthorize {
		inv.logger.Info("non-authorize event ignored",
			zap.String("event_name", ev.EventName), zap.String("operation", string(ev.Operation)))
		return e.complete(inv, models.OutcomeIgnored), nil
	}

	decision, err := e.deps.Guard.ShouldProcess(ctx, ev.EventID)
	if err != nil {
		return e.fault(ctx, inv, err)
	}
	inv.decision = decision
	inv.enter(models.StateDeduplicated)
	if !decision.Proceed {
		if decision.Held() {
			return e.fault(ctx, inv, heldFault(decision))
		}
		return e.complete(inv, models.OutcomeDuplicate), nil
	}

	// Remediation gets the budget minus the notification reserve.
	workCtx := ctx
	if deadline, ok := ctx.Deadline(); ok && e.notifyReserve > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithDeadline(ctx, deadline.Add(-e.notifyReserve))
		defer cancel()
	}

	baseline, current, err := e.load(workCtx)
	if err != nil {
		return e.fault(ctx, inv, err)
	}
	inv.enter(models.StateLoaded)

	drifted := drift.Diff(baseline.Rules, current)
	missing := drift.Missing(baseline.Rules, current)
	inv.enter(models.StateDiffed)
	inv.span.SetAttributes(attribute.Int("sgdrift.drifted_rules", len(drifted)))

	if len(missing) > 0 {
		inv.logger.Warn("baseline rules missing from security group",
			zap.Int("count", len(missing)), zap.String("baseline", baseline.SourceURI))
	}
	if len(drifted) == 0 {
		inv.logger.Info("no drift", zap.String("baseline_version", baseline.Version))
		e.commit(ctx, inv)
		return e.complete(inv, models.OutcomeNoDrift), nil
	}

	inv.logger.Warn("drift detected", zap.Int("rules", len(drifted)))
	results := e.remediate(workCtx, drifted)
	for _, r := range results {
		e.metrics.RecordRevocation(string(r.Rule.Direction), string(r.Outcome))
	}
	inv.enter(models.StateRemediated)

	actor, err := identity.Extract(ev)
	if err != nil {
		inv.logger.Warn("actor identity unavailable", zap.Error(err))
	}

	finding := &models.DriftFinding{
		ObjectID:             ev.ObjectID,
		Region:               ev.Region,
		AccountID:            ev.AccountID,
		EventID:              ev.EventID,
		EventName:            ev.EventName,
		EventTime:            ev.EventTime,
		Actor:                actor,
		Results:              results,
		MissingBaselineRules: missing,
		DetectedAt:           e.now().UTC(),
	}
	inv.res.Finding = finding

	inv.res.Notifications = e.notify(ctx, func(nctx context.Context) []models.ChannelOutcome {
		return e.deps.Notifier.Notify(nctx, finding)
	})
	inv.enter(models.StateNotified)

	if skipped := cutShort(workCtx, results); skipped > 0 {
		// Leave the event unclaimed so a redelivery finishes the job.
		e.release(ctx, inv)
		return e.faulted(inv, faults.Newf(faults.RemediationIncomplete, "remediate",
			"%d of %d drifted rules left in place at the deadline", skipped, len(results)))
	}

	e.commit(ctx, inv)

	outcome := models.OutcomeSuccess
	if !finding.Succeeded() {
		outcome = models.OutcomePartialFailure
		_, failed := finding.Counts()
		inv.logger.Error("remediation incomplete", zap.Int("failed", failed))
	}
	return e.complete(inv, outcome), nil
}

// load reads the baseline and the live rules concurrently.
func (e *Engine) load(ctx context.Context) (models.Baseline, models.RuleSet, error) {
	ctx, span := e.tracer.Start(ctx, "sgdrift.load")
	defer span.End()

	var (
		baseline models.Baseline
		current  models.RuleSet
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseline, err = e.deps.Baseline.Load(gctx, e.objectID)
		return err
	})
	g.Go(func() error {
		var err error
		current, err = e.deps.Fetcher.FetchCurrentRules(gctx, e.objectID)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Baseline{}, models.RuleSet{}, err
	}
	return baseline, current, nil
}

func (e *Engine) remediate(ctx context.Context, rules []models.Rule) []models.RuleResult {
	ctx, span := e.tracer.Start(ctx, "sgdrift.remediate", trace.WithAttributes(attribute.Int("sgdrift.rules", len(rules))))
	defer span.End()
	return policy.ApplyPolicy(e.deps.Remediator.Remediate(ctx, e.objectID, rules), e.policy)
}

// notify runs send on a context detached from the invocation's
// cancellation, so a spent remediation budget never suppresses the report.
func (e *Engine) notify(ctx context.Context, send func(context.Context) []models.ChannelOutcome) []models.ChannelOutcome {
	timeout := e.notifyReserve
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	nctx, span := e.tracer.Start(nctx, "sgdrift.notify")
	defer span.End()

	outcomes := send(nctx)
	for _, o := range outcomes {
		result := "delivered"
		switch {
		case o.Skipped:
			result = "skipped"
		case !o.Delivered:
			result = "failed"
		}
		e.metrics.RecordNotification(o.Channel, result)
	}
	return outcomes
}

// commit marks the event processed. A failure is logged, not returned: the
// work is done, and a redelivery after the lease lapses repeats it safely.
func (e *Engine) commit(ctx context.Context, inv *invocation) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := e.deps.Guard.Commit(sctx, inv.decision); err != nil {
		inv.logger.Error("commit idempotency record failed", zap.Error(err))
	}
}

func (e *Engine) complete(inv *invocation, outcome models.Outcome) models.InvocationResult {
	inv.res.Outcome = outcome
	inv.enter(models.StateCompleted)
	inv.logger.Info("invocation completed", zap.String("outcome", string(outcome)))
	return inv.res
}

// fault ends the invocation: the claim is released so a redelivery
// re-attempts, and the classified error is returned.
func (e *Engine) fault(ctx context.Context, inv *invocation, err error) (models.InvocationResult, error) {
	e.release(ctx, inv)
	res, fe := e.faulted(inv, err)

	if e.notifyOnFault && fe.Code != faults.EventInProgress {
		notice := models.FaultNotice{
			ObjectID:  inv.ev.ObjectID,
			Region:    inv.ev.Region,
			EventID:   inv.ev.EventID,
			EventName: inv.ev.EventName,
			Code:      string(fe.Code),
			Kind:      string(fe.Kind()),
			Message:   fe.Error(),
			At:        e.now().UTC(),
		}
		inv.res.Notifications = e.notify(ctx, func(nctx context.Context) []models.ChannelOutcome {
			return e.deps.Notifier.NotifyFault(nctx, notice)
		})
		res = inv.res
	}
	return res, fe
}

// release drops this invocation's claim, if it holds one.
func (e *Engine) release(ctx context.Context, inv *invocation) {
	if !inv.decision.Proceed {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := e.deps.Guard.Release(sctx, inv.decision); err != nil {
		inv.logger.Error("release idempotency claim failed", zap.Error(err))
	}
}

// faulted records err on the result and moves the invocation to Faulted.
func (e *Engine) faulted(inv *invocation, err error) (models.InvocationResult, *faults.Error) {
	fe := classify(err)
	inv.res.Outcome = models.OutcomeFault
	inv.res.Error = &models.InvocationError{
		Code:    string(fe.Code),
		Kind:    string(fe.Kind()),
		Message: fe.Error(),
	}
	inv.enter(models.StateFaulted)
	inv.span.RecordError(fe)
	inv.span.SetStatus(codes.Error, string(fe.Code))
	inv.logger.Error("invocation faulted",
		zap.String("code", string(fe.Code)), zap.String("kind", string(fe.Kind())), zap.Error(fe))
	return inv.res, fe
}

// cutShort counts the failed results once the remediation deadline has
// passed. Those rules were skipped or interrupted and remain on the object.
func cutShort(ctx context.Context, results []models.RuleResult) int {
	if ctx.Err() == nil {
		return 0
	}
	n := 0
	for _, r := range results {
		if r.Outcome == models.OutcomeFailed {
			n++
		}
	}
	return n
}

// heldFault is the transient fault for an event another invocation holds.
func heldFault(d idempotency.Decision) *faults.Error {
	if d.Existing == nil {
		return faults.Newf(faults.EventInProgress, "claim event", "event %s is claimed by another invocation", d.EventID)
	}
	return faults.Newf(faults.EventInProgress, "claim event", "event %s is claimed by another invocation until %s",
		d.EventID, d.Existing.LeaseExpiresAt.UTC().Format(time.RFC3339))
}

// unclassified is the code reported for errors no component classified.
const unclassified faults.Code = "Unclassified"

// classify returns the *faults.Error in err's chain. Errors no component
// classified, such as a context deadline, are transient.
func classify(err error) *faults.Error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe
	}
	return faults.New(unclassified, "handle event", err)
}

// Check computes drift now without touching the guard or revoking anything.
// Results carry description and severity but no outcome.
func (e *Engine) Check(ctx context.Context) (*models.DriftFinding, error) {
	if e.invocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.invocationTimeout)
		defer cancel()
	}
	baseline, current, err := e.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", e.objectID, classify(err))
	}
	drifted := drift.Diff(baseline.Rules, current)
	results := make([]models.RuleResult, 0, len(drifted))
	for _, r := range drifted {
		results = append(results, models.RuleResult{
			Rule:        r,
			Description: drift.Describe(r),
			Severity:    drift.Classify(r),
		})
	}
	return &models.DriftFinding{
		ObjectID:             e.objectID,
		Results:              policy.ApplyPolicy(results, e.policy),
		MissingBaselineRules: drift.Missing(baseline.Rules, current),
		DetectedAt:           e.now().UTC(),
	}, nil
}
