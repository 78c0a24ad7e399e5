// Package remediate revokes drifted rules from the monitored security group.
package remediate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/drift"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/retry"
)

// RuleRevoker removes one rule from a group with a single provider call.
// alreadyAbsent reports that the rule was not present.
type RuleRevoker interface {
	RevokeRule(ctx context.Context, groupID string, r models.Rule) (alreadyAbsent bool, err error)
}

// Remediator revokes rules one at a time. A failure on one rule never stops
// the others.
type Remediator struct {
	revoker RuleRevoker
	policy  retry.Policy
	logger  *zap.Logger
}

// Option configures a Remediator.
type Option func(*Remediator)

// WithRetryPolicy bounds the retries of a throttled revoke.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Remediator) { r.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Remediator) { r.logger = l }
}

// New returns a Remediator over revoker.
func New(revoker RuleRevoker, opts ...Option) *Remediator {
	r := &Remediator{revoker: revoker, policy: retry.DefaultPolicy, logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Remediate revokes each rule from objectID and returns one result per rule
// in input order.
//
// A rule that is already gone counts as removed. Throttled calls are retried
// with backoff up to the policy's attempt cap. Once ctx is done the remaining
// rules are not attempted; they are left in place and reported failed.
func (m *Remediator) Remediate(ctx context.Context, objectID string, rules []models.Rule) []models.RuleResult {
	results := make([]models.RuleResult, 0, len(rules))
	for _, rule := range rules {
		res := models.RuleResult{
			Rule:        rule,
			Description: drift.Describe(rule),
			Severity:    drift.Classify(rule),
		}

		if err := ctx.Err(); err != nil {
			res.Outcome = models.OutcomeFailed
			res.Reason = fmt.Sprintf("not attempted: %v", err)
			m.logger.Warn("rule left in place",
				zap.String("object_id", objectID),
				zap.String("rule", res.Description),
				zap.Error(err),
			)
			results = append(results, res)
			continue
		}

		m.revoke(ctx, objectID, &res)
		results = append(results, res)
	}
	return results
}

func (m *Remediator) revoke(ctx context.Context, objectID string, res *models.RuleResult) {
	var absent bool
	attempts, err := retry.Do(ctx, m.policy,
		func(err error) bool { return faults.Is(err, faults.ProviderThrottled) },
		func(ctx context.Context) error {
			var callErr error
			absent, callErr = m.revoker.RevokeRule(ctx, objectID, res.Rule)
			return callErr
		},
		func(err error, attempt int, wait time.Duration) {
			m.logger.Debug("revoke throttled, backing off",
				zap.String("rule", res.Description),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	)
	res.Attempts = attempts

	switch {
	case err != nil:
		res.Outcome = models.OutcomeFailed
		res.Reason = err.Error()
		m.logger.Error("failed to revoke rule",
			zap.String("object_id", objectID),
			zap.String("rule", res.Description),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	case absent:
		res.Outcome = models.OutcomeAlreadyAbsent
		m.logger.Info("rule already absent",
			zap.String("object_id", objectID),
			zap.String("rule", res.Description),
		)
	default:
		res.Outcome = models.OutcomeRevoked
		m.logger.Info("revoked rule",
			zap.String("object_id", objectID),
			zap.String("rule", res.Description),
			zap.String("severity", string(res.Severity)),
		)
	}
}
