// Package idempotency keeps a durable per-event record so that a change
// event delivered more than once is remediated and notified at most once.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusProcessed  Status = "processed"
)

// ErrLeaseLost is returned by Complete when the record no longer carries the
// caller's token, i.e. another delivery took the claim over after the lease
// lapsed.
var ErrLeaseLost = errors.New("idempotency lease lost")

// Record is the per-event marker.
type Record struct {
	EventID        string    `json:"event_id"`
	Status         Status    `json:"status"`
	Token          string    `json:"token"`
	ClaimedAt      time.Time `json:"claimed_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	// ExpiresAt ends the retention window; after it the record no longer
	// blocks anything whatever its status.
	ExpiresAt time.Time `json:"expires_at"`
}

// Blocks reports whether r prevents a new claim at now: it is within
// retention and either processed or holding a live lease.
func (r *Record) Blocks(now time.Time) bool {
	if r == nil || !now.Before(r.ExpiresAt) {
		return false
	}
	if r.Status == StatusProcessed {
		return true
	}
	return now.Before(r.LeaseExpiresAt)
}

// Store is the atomic check-and-set contract every backend implements.
//
// Claim writes rec only if no record blocks it at now; the check and the
// write are a single atomic step, so of two concurrent claims for one event
// at most one succeeds. When the claim is refused the blocking record is
// returned.
type Store interface {
	Claim(ctx context.Context, rec Record, now time.Time) (claimed bool, existing *Record, err error)
	// Complete marks the record processed and extends it to expiresAt.
	// It fails with ErrLeaseLost if token no longer owns the record.
	Complete(ctx context.Context, eventID, token string, expiresAt time.Time) error
	// Release deletes the record if token still owns it.
	Release(ctx context.Context, eventID, token string) error
	// Get returns the record for eventID, or nil when there is none.
	Get(ctx context.Context, eventID string) (*Record, error)
	Close() error
}

// Pruner is implemented by stores whose records do not expire on their own.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// Pinger is implemented by stores that can check their backend without
// touching a record.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks that store is reachable. Stores without a Pinger are checked
// with a Get of a sentinel id.
func Ping(ctx context.Context, store Store) error {
	if p, ok := store.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := store.Get(ctx, "sgdrift-healthcheck")
	return err
}
