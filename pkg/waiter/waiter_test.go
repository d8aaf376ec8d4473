package waiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollSucceedsAfterRetries(t *testing.T) {
	attempts := 0

	err := Poll(context.Background(), "test condition",
		Config{Timeout: time.Second, Interval: 10 * time.Millisecond},
		func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}

			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPollTimesOutWithLastError(t *testing.T) {
	probeErr := errors.New("connection refused")

	err := Poll(context.Background(), "api server health",
		Config{Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond},
		func(ctx context.Context) error {
			return probeErr
		})

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "api server health", timeoutErr.What)
	assert.ErrorIs(t, err, probeErr)
	assert.Contains(t, err.Error(), "api server health")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPollParentCancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Poll(ctx, "never ready",
		Config{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond},
		func(ctx context.Context) error {
			return errors.New("not yet")
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var timeoutErr *TimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
}

func TestPollDefaultsApply(t *testing.T) {
	// a probe that succeeds immediately never needs the bounds
	err := Poll(context.Background(), "instant", Config{}, func(ctx context.Context) error {
		return nil
	})

	assert.NoError(t, err)
}
