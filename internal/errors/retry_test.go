package errors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientError(t *testing.T) {
	// Given: a call that times out twice then succeeds
	var seen []int
	fn := func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return BackendTimeout("attempt timed out", context.DeadlineExceeded)
		}
		return nil
	}

	// When: retrying with two retries
	err := Retry(context.Background(), fastRetry(2), fn)

	// Then: it succeeds on the third attempt and sees 1-based attempt numbers
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	err := Retry(context.Background(), fastRetry(2), func(int) error {
		calls.Add(1)
		return errors.New("persistent")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_StopsOnFatalError(t *testing.T) {
	// Given: an invalid argument, which is never worth retrying
	var calls int
	err := Retry(context.Background(), fastRetry(5), func(int) error {
		calls++
		return InvalidArgument("limit must be non-negative")
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrCodeInvalidArgument, GetCode(err))
}

func TestRetry_CustomShouldRetry(t *testing.T) {
	cfg := fastRetry(5)
	cfg.ShouldRetry = IsRetryable

	var calls int
	_ = Retry(context.Background(), cfg, func(int) error {
		calls++
		return errors.New("not classified")
	})

	assert.Equal(t, 1, calls)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(10)
	cfg.InitialDelay = time.Second

	var calls int
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, cfg, func(int) error {
		calls++
		return errors.New("boom")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetry_FixedDelayWithUnitMultiplier(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: 20 * time.Millisecond, Multiplier: 1.0}

	var stamps []time.Time
	_ = Retry(context.Background(), cfg, func(int) error {
		stamps = append(stamps, time.Now())
		return errors.New("boom")
	})

	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, 18*time.Millisecond)
		assert.Less(t, gap, 200*time.Millisecond)
	}
}

func TestRetryWithResult(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		got, err := RetryWithResult(context.Background(), fastRetry(2), func(attempt int) (string, error) {
			if attempt == 1 {
				return "", errors.New("first fails")
			}
			return "answer", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "answer", got)
	})

	t.Run("returns zero on failure", func(t *testing.T) {
		got, err := RetryWithResult(context.Background(), fastRetry(1), func(int) (int, error) {
			return 7, errors.New("boom")
		})
		assert.Error(t, err)
		assert.Zero(t, got)
	})
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.Attempts())
	assert.Equal(t, 2*time.Second, cfg.InitialDelay)
	assert.Equal(t, 1.0, cfg.Multiplier)
}
