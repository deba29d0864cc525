package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bananahana720/phx-property-collector/internal/errs"
)

func TestEffectiveRateAppliesSafetyMargin(t *testing.T) {
	l := New(Config{Source: "assessor", RequestsPerMinute: 60})
	assert.InDelta(t, 54.0, l.Stats().EffectiveRPM, 0.001)
}

func TestEffectiveRateExplicitMargin(t *testing.T) {
	l := New(Config{Source: "mls", RequestsPerMinute: 100, SafetyMargin: 0.5})
	assert.InDelta(t, 50.0, l.Stats().EffectiveRPM, 0.001)
}

func TestEffectiveRateNegativeMarginDisables(t *testing.T) {
	l := New(Config{Source: "mls", RequestsPerMinute: 60, SafetyMargin: -1})
	assert.InDelta(t, 60.0, l.Stats().EffectiveRPM, 0.001)
}

func TestAcquireGrantsBurstImmediately(t *testing.T) {
	l := New(Config{Source: "mls", RequestsPerMinute: 60, BurstSize: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.EqualValues(t, 3, l.Stats().Granted)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	// 1 rpm with margin leaves ~0.015 tokens/s; the second acquire
	// cannot be served within the deadline.
	l := New(Config{Source: "assessor", RequestsPerMinute: 1, BurstSize: 1})

	require.NoError(t, l.AcquireWithin(context.Background(), time.Second))

	err := l.AcquireWithin(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindRateLimitTimeout))
	assert.EqualValues(t, 1, l.Stats().Timeouts)
}

func TestNeverExceedsConfiguredCap(t *testing.T) {
	// 600 rpm effective 540 rpm = 9 tokens/s. Over 200ms with burst 1
	// at most 1 (burst) + 2 (refill) tokens may be granted; the
	// unreduced rate would allow one more.
	l := New(Config{Source: "assessor", RequestsPerMinute: 600, BurstSize: 1})

	deadline := time.Now().Add(200 * time.Millisecond)
	granted := 0
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := l.Acquire(ctx); err == nil {
			granted++
		}
		cancel()
	}
	assert.LessOrEqual(t, granted, 3)
}

func TestResetRefillsBucket(t *testing.T) {
	l := New(Config{Source: "mls", RequestsPerMinute: 1, BurstSize: 2})

	ctx := context.Background()
	require.NoError(t, l.AcquireWithin(ctx, time.Second))
	require.NoError(t, l.AcquireWithin(ctx, time.Second))
	require.Error(t, l.AcquireWithin(ctx, 20*time.Millisecond))

	l.Reset()
	require.NoError(t, l.AcquireWithin(ctx, time.Second))
}

func TestRegistryReturnsSameLimiter(t *testing.T) {
	r := NewRegistry()
	a := r.Get(Config{Source: "assessor", RequestsPerMinute: 60})
	b := r.Get(Config{Source: "assessor", RequestsPerMinute: 999})
	assert.Same(t, a, b)

	c := r.Get(Config{Source: "mls", RequestsPerMinute: 30})
	assert.NotSame(t, a, c)
	assert.Len(t, r.StatsAll(), 2)
}
