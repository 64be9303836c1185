package governance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(limit int) (*RateLimiter, *fakeClock) {
	clock := newFakeClock()
	rl := NewRateLimiter("test-integration", RateLimiterConfig{MaxRequestsPerMinute: limit}, testLogger())
	rl.now = clock.Now
	rl.sleep = clock.Sleep
	return rl, clock
}

func TestRateLimiterAdmitsUpToLimitWithoutWaiting(t *testing.T) {
	rl, clock := newTestLimiter(5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Acquire(ctx))
	}
	assert.Empty(t, clock.Sleeps(), "first five acquisitions must not suspend")

	require.NoError(t, rl.Acquire(ctx))
	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 1, "sixth acquisition must suspend exactly once")
	assert.Greater(t, sleeps[0], time.Duration(0))
	assert.LessOrEqual(t, sleeps[0], 60*time.Second)

	stats := rl.Stats()
	assert.Equal(t, 1, stats.InWindow, "window is cleared after the wait and holds only the released request")
	assert.EqualValues(t, 1, stats.Waits)
	assert.EqualValues(t, 1, stats.Resets)
}

func TestRateLimiterWaitAccountsForElapsedTime(t *testing.T) {
	rl, clock := newTestLimiter(2)
	ctx := context.Background()

	require.NoError(t, rl.Acquire(ctx))
	clock.Advance(20 * time.Second)
	require.NoError(t, rl.Acquire(ctx))
	require.NoError(t, rl.Acquire(ctx))

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 1)
	assert.Equal(t, 40*time.Second, sleeps[0])
}

func TestRateLimiterExpiredEntriesAreTrimmed(t *testing.T) {
	rl, clock := newTestLimiter(2)
	ctx := context.Background()

	require.NoError(t, rl.Acquire(ctx))
	require.NoError(t, rl.Acquire(ctx))
	clock.Advance(61 * time.Second)
	require.NoError(t, rl.Acquire(ctx))

	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, 1, rl.Stats().InWindow)
}

func TestRateLimiterPenalize(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		want       time.Duration
	}{
		{name: "first retry", retryCount: 1, want: 2 * time.Second},
		{name: "third retry", retryCount: 3, want: 8 * time.Second},
		{name: "capped", retryCount: 10, want: 60 * time.Second},
		{name: "negative clamps to one second", retryCount: -4, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl, clock := newTestLimiter(10)
			assert.Equal(t, tt.want, rl.Penalize(tt.retryCount))
			assert.NotEmpty(t, rl.Stats().BackoffUntil)

			require.NoError(t, rl.Acquire(context.Background()))
			assert.Equal(t, []time.Duration{tt.want}, clock.Sleeps())
			assert.Empty(t, rl.Stats().BackoffUntil, "penalty is cleared once honoured")

			require.NoError(t, rl.Acquire(context.Background()))
			assert.Len(t, clock.Sleeps(), 1, "second acquisition does not wait again")
		})
	}
}

func TestRateLimiterExpiredPenaltyIsIgnored(t *testing.T) {
	rl, clock := newTestLimiter(10)
	rl.Penalize(2)
	clock.Advance(10 * time.Second)

	require.NoError(t, rl.Acquire(context.Background()))
	assert.Empty(t, clock.Sleeps())
}

func TestRateLimiterPenaltyDuringWaitIsHonoured(t *testing.T) {
	rl, clock := newTestLimiter(10)
	rl.Penalize(1)

	penalised := false
	rl.sleep = func(ctx context.Context, d time.Duration) error {
		if !penalised {
			penalised = true
			rl.Penalize(5)
		}
		return clock.Sleep(ctx, d)
	}

	require.NoError(t, rl.Acquire(context.Background()))
	assert.Equal(t, []time.Duration{2 * time.Second, 30 * time.Second}, clock.Sleeps(),
		"the second penalty extends the wait to 32s after it was set")
	assert.Empty(t, rl.Stats().BackoffUntil)
	assert.EqualValues(t, 2, rl.Stats().Waits)
}

func TestRateLimiterAcquireObservesCancellation(t *testing.T) {
	rl := NewRateLimiter("slow-api", RateLimiterConfig{MaxRequestsPerMinute: 1}, testLogger())
	require.NoError(t, rl.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := rl.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRateLimitersAreIndependentPerIntegration(t *testing.T) {
	set := NewRateLimiters(RateLimiterConfig{MaxRequestsPerMinute: 5}, map[string]RateLimiterConfig{
		"fred": {MaxRequestsPerMinute: 1},
	}, testLogger())

	fred := set.For("fred")
	quotes := set.For("quotes")
	assert.Same(t, fred, set.For("fred"))
	assert.NotSame(t, fred, quotes)

	require.NoError(t, fred.Acquire(context.Background()))
	require.NoError(t, quotes.Acquire(context.Background()))

	stats := set.Stats()
	assert.Equal(t, 1, stats["fred"].Limit)
	assert.Equal(t, 5, stats["quotes"].Limit)

	set.Configure(map[string]RateLimiterConfig{"fred": {MaxRequestsPerMinute: 30}})
	assert.Equal(t, 30, set.For("fred").Stats().Limit)
	assert.Equal(t, 1, set.For("fred").Stats().InWindow, "reconfiguration keeps the window")
}

// A burst of acquisitions at one instant never admits more than the ceiling
// per window epoch, and every wait stays within the 60s window.
func TestRateLimiterBurstProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 40).Draw(t, "limit")
		calls := rapid.IntRange(1, 200).Draw(t, "calls")

		rl, clock := newTestLimiter(limit)
		admitted := make(map[time.Time]int)
		for i := 0; i < calls; i++ {
			if err := rl.Acquire(context.Background()); err != nil {
				t.Fatalf("acquire: %v", err)
			}
			admitted[clock.Now()]++
		}

		for ts, n := range admitted {
			if n > limit {
				t.Fatalf("admitted %d requests at %s with limit %d", n, ts, limit)
			}
		}
		for _, d := range clock.Sleeps() {
			if d <= 0 || d > 60*time.Second {
				t.Fatalf("wait %s outside (0, 60s]", d)
			}
		}
	})
}
