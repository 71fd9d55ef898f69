package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterTransientFailures(t *testing.T) {
	var calls int
	err := Do(context.Background(), quickRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("store busy"), 0)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int
	err := Do(context.Background(), quickRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), quickRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("unique constraint violated")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Multiplier:     2.0,
	}

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("flaky"), 0)
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 3)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := quickRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := quickRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("flaky"), 0)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), quickRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(errors.New("flaky"), 0)
		}
		return "rows", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "rows", val)
}

func TestDoVal_ZeroValueOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), quickRetry(2), func(_ context.Context) (int, error) {
		return 42, NewTransientError(errors.New("flaky"), 0)
	})
	require.Error(t, err)
	assert.Zero(t, val)
}

func TestWithDefaults_FillsZeroFields(t *testing.T) {
	cfg := withDefaults(RetryConfig{})
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 2.0, cfg.Multiplier, 0.001)
}

func TestBackoffDelay_ExponentialGrowth(t *testing.T) {
	cfg := withDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	})
	cfg.JitterFraction = 0 // deterministic

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for attempt, expected := range want {
		assert.Equal(t, expected, backoffDelay(attempt, cfg))
	}
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	cfg := withDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		Multiplier:     10.0,
	})
	cfg.JitterFraction = 0
	assert.LessOrEqual(t, backoffDelay(5, cfg), 5*time.Second)
}

func TestBackoffDelay_JitterSpreadsDelays(t *testing.T) {
	cfg := withDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := backoffDelay(0, cfg)
		seen[d] = true
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Greater(t, len(seen), 1, "jitter should vary the delay")
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	// Smoke test: the callback must tolerate the global logger.
	log := RetryLogger("store", "chunk-flush")
	log(1, errors.New("database is locked"))
}
