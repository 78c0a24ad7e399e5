package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
)

// Default windows used when the configuration leaves them unset.
const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultLease     = 90 * time.Second
)

// Decision is the guard's answer for one event.
type Decision struct {
	EventID string
	// Proceed is true when this invocation now owns the event.
	Proceed bool
	// Token identifies this invocation's claim; empty when Proceed is false.
	Token string
	// Existing is the record that blocked the claim.
	Existing *Record
}

// Guard decides whether an event should be processed and records the
// outcome. The store is the only shared state between invocations.
type Guard struct {
	store     Store
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the guard's logger.
func WithLogger(l *zap.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard returns a Guard over store. Zero durations select the defaults.
func NewGuard(store Store, retention, lease time.Duration, opts ...GuardOption) *Guard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	g := &Guard{store: store, retention: retention, lease: lease, now: time.Now, logger: zap.NewNop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ShouldProcess atomically claims eventID. The claim succeeds when there is
// no record, the record has expired, or an in-progress record's lease has
// lapsed. Store failures are StoreUnavailable faults.
func (g *Guard) ShouldProcess(ctx context.Context, eventID string) (Decision, error) {
	if eventID == "" {
		return Decision{}, faults.Newf(faults.MalformedEvent, "claim event", "event has no id")
	}

	now := g.now().UTC()
	rec := Record{
		EventID:        eventID,
		Status:         StatusInProgress,
		Token:          uuid.NewString(),
		ClaimedAt:      now,
		LeaseExpiresAt: now.Add(g.lease),
		ExpiresAt:      now.Add(g.retention),
	}

	claimed, existing, err := g.store.Claim(ctx, rec, now)
	if err != nil {
		return Decision{}, faults.New(faults.StoreUnavailable, "claim event "+eventID, err)
	}
	if !claimed {
		fields := []zap.Field{zap.String("event_id", eventID)}
		if existing != nil {
			fields = append(fields, zap.String("status", string(existing.Status)), zap.Time("claimed_at", existing.ClaimedAt))
		}
		d := Decision{EventID: eventID, Existing: existing}
		if d.Held() {
			g.logger.Info("event claimed by another invocation", fields...)
		} else {
			g.logger.Info("duplicate event skipped", fields...)
		}
		return d, nil
	}
	return Decision{EventID: eventID, Proceed: true, Token: rec.Token}, nil
}

// Held reports whether the claim was refused because another invocation
// may still be working on the event. A refusal without a readable record
// counts as held.
func (d Decision) Held() bool {
	return !d.Proceed && (d.Existing == nil || d.Existing.Status != StatusProcessed)
}

// Commit marks a claimed event processed for the retention window.
func (g *Guard) Commit(ctx context.Context, d Decision) error {
	if !d.Proceed {
		return nil
	}
	err := g.store.Complete(ctx, d.EventID, d.Token, g.now().UTC().Add(g.retention))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLeaseLost):
		// Another delivery owns the record now; it will commit or release.
		g.logger.Warn("idempotency lease lost before commit", zap.String("event_id", d.EventID))
		return nil
	default:
		return faults.New(faults.StoreUnavailable, "commit event "+d.EventID, err)
	}
}

// Release drops a claim so the next delivery of the event re-attempts it.
func (g *Guard) Release(ctx context.Context, d Decision) error {
	if !d.Proceed {
		return nil
	}
	if err := g.store.Release(ctx, d.EventID, d.Token); err != nil {
		return faults.New(faults.StoreUnavailable, "release event "+d.EventID, err)
	}
	return nil
}

// Prune removes expired records from stores without native expiry. It is a
// no-op for stores that expire records themselves.
func (g *Guard) Prune(ctx context.Context) (int64, error) {
	p, ok := g.store.(Pruner)
	if !ok {
		return 0, nil
	}
	n, err := p.Prune(ctx, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return n, nil
}
