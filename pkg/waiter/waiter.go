// Package waiter bounds the polling loops convergence steps use to
// wait for external state: an API server answering, a daemonset
// rolling out, a node going Ready.
package waiter

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/clusterforge/converge/shared"
)

const (
	DefaultTimeout  = 5 * time.Minute
	DefaultInterval = 5 * time.Second
)

// Config bounds one wait. Zero values take the defaults.
type Config struct {
	Timeout  time.Duration
	Interval time.Duration
}

// TimeoutError reports a condition that never held within the bound.
// Last preserves the final probe failure for diagnostics.
type TimeoutError struct {
	What  string
	After time.Duration
	Last  error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("timed out after %v waiting for %s: %v", e.After, e.What, e.Last)
	}

	return fmt.Sprintf("timed out after %v waiting for %s", e.After, e.What)
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// Poll runs probe until it succeeds, an interval apart, bounded by the
// configured timeout. The probe receives a context that expires with
// the overall bound.
func Poll(ctx context.Context, what string, cfg Config, probe func(ctx context.Context) error) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	attempts := uint(cfg.Timeout/cfg.Interval) + 1

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	retryErr := retry.Do(
		func() error {
			lastErr = probe(waitCtx)

			return lastErr
		},
		retry.Context(waitCtx),
		retry.Attempts(attempts),
		retry.Delay(cfg.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if n == 0 || (n+1)%10 == 0 {
				shared.LogLevel("debug", "still waiting for %s (attempt %d): %v", what, n+1, err)
			}
		}),
	)
	if retryErr == nil {
		return nil
	}

	// The parent being cancelled is not a timeout of this wait.
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}

	return &TimeoutError{What: what, After: cfg.Timeout, Last: lastErr}
}
