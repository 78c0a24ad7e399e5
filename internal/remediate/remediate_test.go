package remediate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/retry"
)

// fakeRevoker scripts per-rule responses. A rule's queue is consumed one
// entry per call; the last entry repeats.
type fakeRevoker struct {
	mu      sync.Mutex
	script  map[models.Rule][]response
	calls   map[models.Rule]int
	onCall  func(models.Rule)
	groupID string
}

type response struct {
	absent bool
	err    error
}

func newFakeRevoker() *fakeRevoker {
	return &fakeRevoker{script: map[models.Rule][]response{}, calls: map[models.Rule]int{}}
}

func (f *fakeRevoker) RevokeRule(_ context.Context, groupID string, r models.Rule) (bool, error) {
	f.mu.Lock()
	f.groupID = groupID
	n := f.calls[r]
	f.calls[r]++
	q := f.script[r]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(r)
	}
	if len(q) == 0 {
		return false, nil
	}
	if n >= len(q) {
		n = len(q) - 1
	}
	return q[n].absent, q[n].err
}

var fastPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func throttled() error {
	return faults.New(faults.ProviderThrottled, "revoke ingress rule", errors.New("RequestLimitExceeded"))
}

var (
	rdpOpen = models.Rule{
		Direction: models.DirectionIngress, Protocol: models.ProtocolTCP,
		HasPorts: true, FromPort: 3389, ToPort: 3389,
		Source: models.Source{Kind: models.SourceCIDRv4, Value: "0.0.0.0/0"},
	}
	httpInternal = models.Rule{
		Direction: models.DirectionIngress, Protocol: models.ProtocolTCP,
		HasPorts: true, FromPort: 80, ToPort: 80,
		Source: models.Source{Kind: models.SourceCIDRv4, Value: "10.0.0.0/8"},
	}
	egressAll = models.Rule{
		Direction: models.DirectionEgress, Protocol: models.ProtocolAll,
		Source: models.Source{Kind: models.SourceCIDRv6, Value: "::/0"},
	}
)

// ── outcomes ──────────────────────────────────────────────────────────────

func TestRemediate_RevokedAndAlreadyAbsent(t *testing.T) {
	rv := newFakeRevoker()
	rv.script[httpInternal] = []response{{absent: true}}

	got := New(rv, WithRetryPolicy(fastPolicy)).Remediate(context.Background(), "sg-0abc", []models.Rule{rdpOpen, httpInternal})

	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].Outcome != models.OutcomeRevoked || got[0].Attempts != 1 {
		t.Errorf("rdp = %+v, want revoked in 1 attempt", got[0])
	}
	if got[0].Severity != models.SeverityCritical {
		t.Errorf("rdp severity = %s, want CRITICAL", got[0].Severity)
	}
	if got[0].Description != "Inbound Protocol tcp, Port 3389 from 0.0.0.0/0" {
		t.Errorf("description = %q", got[0].Description)
	}
	if got[1].Outcome != models.OutcomeAlreadyAbsent {
		t.Errorf("http outcome = %s, want already-absent", got[1].Outcome)
	}
	if rv.groupID != "sg-0abc" {
		t.Errorf("revoked on %q", rv.groupID)
	}
}

func TestRemediate_ThrottleIsRetried(t *testing.T) {
	rv := newFakeRevoker()
	rv.script[rdpOpen] = []response{{err: throttled()}, {err: throttled()}, {}}

	got := New(rv, WithRetryPolicy(fastPolicy)).Remediate(context.Background(), "sg-1", []models.Rule{rdpOpen})

	if got[0].Outcome != models.OutcomeRevoked {
		t.Fatalf("outcome = %s (%s), want revoked", got[0].Outcome, got[0].Reason)
	}
	if got[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got[0].Attempts)
	}
}

// One rule exhausting its retries must not stop the next one.
func TestRemediate_PartialFailureIsIsolated(t *testing.T) {
	rv := newFakeRevoker()
	rv.script[rdpOpen] = []response{{err: throttled()}}

	rules := []models.Rule{rdpOpen, egressAll}
	got := New(rv, WithRetryPolicy(fastPolicy)).Remediate(context.Background(), "sg-1", rules)

	if got[0].Outcome != models.OutcomeFailed {
		t.Errorf("rdp outcome = %s, want failed", got[0].Outcome)
	}
	if got[0].Attempts != fastPolicy.MaxAttempts {
		t.Errorf("rdp attempts = %d, want %d", got[0].Attempts, fastPolicy.MaxAttempts)
	}
	if !strings.Contains(got[0].Reason, "ProviderThrottled") {
		t.Errorf("reason = %q, want throttle fault", got[0].Reason)
	}
	if got[1].Outcome != models.OutcomeRevoked {
		t.Errorf("egress outcome = %s, want revoked", got[1].Outcome)
	}

	f := models.DriftFinding{Results: got}
	if f.Succeeded() {
		t.Error("finding with a failed rule must not succeed")
	}
}

func TestRemediate_NonThrottleErrorIsNotRetried(t *testing.T) {
	rv := newFakeRevoker()
	rv.script[rdpOpen] = []response{{err: errors.New("UnauthorizedOperation")}}

	got := New(rv, WithRetryPolicy(fastPolicy)).Remediate(context.Background(), "sg-1", []models.Rule{rdpOpen})

	if got[0].Outcome != models.OutcomeFailed || got[0].Attempts != 1 {
		t.Errorf("result = %+v, want failed after 1 attempt", got[0])
	}
}

// ── cancellation ──────────────────────────────────────────────────────────

func TestRemediate_DeadlineLeavesRemainingRulesInPlace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rv := newFakeRevoker()
	rv.onCall = func(models.Rule) { cancel() }

	rules := []models.Rule{rdpOpen, httpInternal, egressAll}
	got := New(rv, WithRetryPolicy(fastPolicy)).Remediate(ctx, "sg-1", rules)

	if got[0].Outcome != models.OutcomeRevoked {
		t.Errorf("first rule = %s, want revoked", got[0].Outcome)
	}
	for _, r := range got[1:] {
		if r.Outcome != models.OutcomeFailed || r.Attempts != 0 {
			t.Errorf("%s = %+v, want failed without attempts", r.Description, r)
		}
		if !strings.HasPrefix(r.Reason, "not attempted:") {
			t.Errorf("reason = %q", r.Reason)
		}
	}
	if rv.calls[httpInternal] != 0 || rv.calls[egressAll] != 0 {
		t.Error("rules after cancellation must not be revoked")
	}
}

func TestRemediate_Empty(t *testing.T) {
	got := New(newFakeRevoker()).Remediate(context.Background(), "sg-1", nil)
	if len(got) != 0 {
		t.Errorf("results = %v, want none", got)
	}
}
