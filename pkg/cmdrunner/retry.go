package cmdrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clusterforge/converge/shared"
)

// RetryCfg is the configuration for retrying commands.
// Attempts: total attempts for the command.
// Delay: delay before 1st retry.
// DelayMultiplier: delay multiplier for each retry if needed.
// RetryableExitCodes: e.g. []int{1, 255}.
// RetryableErrorSubString: error substrings that MAY retry.
// NonRetryableErrorSubString: error substrings that MUST stop retrying.
type RetryCfg struct {
	Attempts                   int
	Delay                      time.Duration
	DelayMultiplier            float64
	RetryableExitCodes         []int
	RetryableErrorSubString    []string
	NonRetryableErrorSubString []string
}

var defaultRetryCfg = RetryCfg{
	Attempts:        3,
	Delay:           5 * time.Second,
	DelayMultiplier: 2.0,
	RetryableExitCodes: []int{
		1,
		100,
		255,
	},
	RetryableErrorSubString: []string{
		"connection refused",
		"connection reset by peer",
		"temporary failure",
		"could not resolve",
		"operation timed out",
		"unable to fetch",
		"is another process using it",
		"could not get lock",
	},
	NonRetryableErrorSubString: []string{
		"permission denied",
		"host key verification failed",
		"invalid argument",
		"command not found",
	},
}

// DefaultRetryCfg returns the retry policy used for commands that pull
// from package mirrors or release endpoints.
func DefaultRetryCfg() RetryCfg {
	return defaultRetryCfg
}

// RunWithRetry runs cmd on r, retrying transient failures according to
// cfg. A nil cfg uses the default policy.
func RunWithRetry(ctx context.Context, r Runner, cmd string, cfg *RetryCfg) (Result, error) {
	if cfg == nil {
		tmp := defaultRetryCfg
		cfg = &tmp
	}
	if cfg.Attempts < 1 {
		return Result{}, fmt.Errorf("invalid attempts: %d", cfg.Attempts)
	}

	delay := cfg.Delay
	var res Result
	var latestErr error

	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ticker.C:
				shared.LogLevel("info", "retrying on %s: %s (attempt %d/%d)", r.Host(), Redact(cmd), attempt, cfg.Attempts)
			case <-ctx.Done():
				return res, fmt.Errorf("retry interrupted: %w", ctx.Err())
			}
		}

		res, latestErr = r.Run(ctx, cmd)
		if latestErr == nil {
			return res, nil
		}

		if fatalError(latestErr, cfg) || attempt == cfg.Attempts {
			break
		}

		delay = time.Duration(float64(delay) * cfg.DelayMultiplier)
		ticker.Reset(delay)
	}

	return res, fmt.Errorf("after %d attempts: %w", cfg.Attempts, latestErr)
}

// fatalError checks if the error should not be retried under cfg.
func fatalError(err error, cfg *RetryCfg) bool {
	msg := strings.ToLower(err.Error())

	for _, nonRetry := range cfg.NonRetryableErrorSubString {
		if strings.Contains(msg, strings.ToLower(nonRetry)) {
			return true
		}
	}

	for _, retryMsg := range cfg.RetryableErrorSubString {
		if strings.Contains(msg, strings.ToLower(retryMsg)) {
			return false
		}
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		for _, retryable := range cfg.RetryableExitCodes {
			if exitErr.Code == retryable {
				return false
			}
		}

		return true
	}

	var dialErr *DialError
	if errors.As(err, &dialErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	return false
}
