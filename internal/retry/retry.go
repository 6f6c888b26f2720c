// Package retry provides the shared retry-with-backoff helper used around
// external calls (AI provider, persistence).
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry policy values.
const (
	// DefaultAttempts is the total number of attempts, including the first.
	DefaultAttempts = 3
	// DefaultBaseDelay is the delay before the first retry; it doubles per attempt.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultPerAttemptTimeout bounds each individual attempt.
	DefaultPerAttemptTimeout = 30 * time.Second
)

// Policy parameterizes a bounded retry loop.
type Policy struct {
	// Attempts is the total number of attempts, including the first. Values
	// below 1 are treated as 1.
	Attempts int
	// BaseDelay is the initial backoff delay, doubling per attempt.
	BaseDelay time.Duration
	// PerAttemptTimeout bounds each attempt; zero means no per-attempt bound.
	PerAttemptTimeout time.Duration
}

// DefaultPolicy returns the policy shared by external-call sites.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:          DefaultAttempts,
		BaseDelay:         DefaultBaseDelay,
		PerAttemptTimeout: DefaultPerAttemptTimeout,
	}
}

// Do runs op under the policy, backing off exponentially between attempts.
// Exhausting all attempts returns the last error; it never retries forever.
// Context cancellation stops the loop immediately.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = policy.BaseDelay * time.Duration(1<<uint(attempts))
	bo.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		attemptCtx := ctx
		if policy.PerAttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, policy.PerAttemptTimeout)
			defer cancel()
		}
		err := op(attemptCtx)
		if err != nil {
			slog.Debug("Retry attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)
		}
		return err
	}

	err := backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		return fmt.Errorf("exhausted %d attempts: %w", attempt, err)
	}
	return nil
}
