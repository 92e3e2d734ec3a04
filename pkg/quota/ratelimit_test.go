package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(max int, window time.Duration) (*RateLimiter, *ManualClock) {
	clock := NewManualClock(epoch)
	rl := NewRateLimiter(RateLimiterConfig{
		MaxRequests: max,
		Window:      window,
		Clock:       clock,
	})
	return rl, clock
}

func TestRateLimiterRejectsAfterMax(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := rl.Check(ctx, "alice")
		require.True(t, d.Allowed, "call %d should be admitted", i+1)
		assert.Equal(t, 10-i, d.Remaining)
		clock.Advance(time.Second)
	}

	d := rl.Check(ctx, "alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 10, d.Limit)
	// oldest admitted call was at epoch
	assert.Equal(t, epoch.Add(time.Minute).Unix(), d.Reset)
}

func TestRateLimiterRecoversAfterWindow(t *testing.T) {
	rl, clock := newTestLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, rl.Check(ctx, "bob").Allowed)
	}
	require.False(t, rl.Check(ctx, "bob").Allowed)

	clock.Advance(time.Minute)

	d := rl.Check(ctx, "bob")
	require.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)

	d = rl.Check(ctx, "bob")
	require.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining, "one call counted since the window rolled over")
}

func TestRateLimiterPurgesBoundaryInclusive(t *testing.T) {
	rl, clock := newTestLimiter(1, 10*time.Second)
	ctx := context.Background()

	require.True(t, rl.Check(ctx, "carol").Allowed)
	clock.Advance(10*time.Second - time.Nanosecond)
	require.False(t, rl.Check(ctx, "carol").Allowed)

	// an event exactly window old is purged
	clock.Advance(time.Nanosecond)
	assert.True(t, rl.Check(ctx, "carol").Allowed)
}

func TestRateLimiterResetWithoutSurvivors(t *testing.T) {
	rl, _ := newTestLimiter(5, 30*time.Second)

	d := rl.Check(context.Background(), "dave")
	assert.Equal(t, epoch.Add(30*time.Second).Unix(), d.Reset)
}

func TestRateLimiterIdentitiesIndependent(t *testing.T) {
	rl, _ := newTestLimiter(2, time.Minute)
	ctx := context.Background()

	rl.Check(ctx, "a")
	rl.Check(ctx, "a")
	require.False(t, rl.Check(ctx, "a").Allowed)

	d := rl.Check(ctx, "b")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestRateLimiterConcurrentAdmission(t *testing.T) {
	rl, _ := newTestLimiter(10, time.Minute)
	ctx := context.Background()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Check(ctx, "crowd").Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted)
}

func TestRateLimiterConcurrentManyIdentities(t *testing.T) {
	rl, _ := newTestLimiter(5, time.Minute)
	ctx := context.Background()

	ids := []string{"u1", "u2", "u3", "u4"}
	counts := make([]int64, len(ids))
	var wg sync.WaitGroup
	for i := range ids {
		for j := 0; j < 50; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if rl.Check(ctx, ids[i]).Allowed {
					atomic.AddInt64(&counts[i], 1)
				}
			}(i)
		}
	}
	wg.Wait()

	for i := range ids {
		assert.Equal(t, int64(5), counts[i], "identity %s", ids[i])
	}
}

type failingWindowStore struct{}

func (failingWindowStore) Admit(context.Context, string, time.Time, time.Duration, int) (Decision, error) {
	return Decision{}, assert.AnError
}

func TestRateLimiterStoreFailureAdmits(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxRequests: 4,
		Window:      time.Minute,
		Store:       failingWindowStore{},
		Clock:       NewManualClock(epoch),
	})

	d := rl.Check(context.Background(), "erin")
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestDecisionRetryAfter(t *testing.T) {
	d := Decision{RateInfo: RateInfo{Reset: epoch.Add(42 * time.Second).Unix()}}
	assert.Equal(t, 42*time.Second, d.RetryAfter(epoch))
	assert.Equal(t, time.Duration(0), d.RetryAfter(epoch.Add(time.Hour)))
}
