// Package retry runs provider calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. MaxAttempts counts the first call, so a
// policy with MaxAttempts 1 never retries.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is used when no remediation settings are configured.
var DefaultPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Notify is called before each backoff sleep.
type Notify func(err error, attempt int, wait time.Duration)

// Do calls op until it succeeds, returns an error the classifier rejects,
// the attempt budget is spent, or ctx is done. It returns the number of
// calls made and the last error.
func Do(ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) error, notify Notify) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	// The attempt budget and the context bound the loop, not wall time.
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempts := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable == nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	})

	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		// The context ended between attempts; keep the provider's error.
		return attempts, fmt.Errorf("%w (after %d attempts: %v)", lastErr, attempts, err)
	}
	return attempts, err
}
