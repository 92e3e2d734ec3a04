package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrialCounterEphemeralClass(t *testing.T) {
	tc := NewTrialCounter(TrialCounterConfig{})

	assert.True(t, tc.IsEphemeral("user_8f2a"))
	assert.False(t, tc.IsEphemeral("00u1abcd"))
	assert.False(t, tc.IsEphemeral("superuser_1"))
}

func TestTrialCounterCheckAndIncrement(t *testing.T) {
	tc := NewTrialCounter(TrialCounterConfig{Limit: 2})
	ctx := context.Background()

	assert.False(t, tc.CheckTrialLimit(ctx, "user_a"))
	assert.Equal(t, int64(1), tc.IncrementUsage(ctx, "user_a"))
	assert.False(t, tc.CheckTrialLimit(ctx, "user_a"))
	assert.Equal(t, int64(2), tc.IncrementUsage(ctx, "user_a"))
	assert.True(t, tc.CheckTrialLimit(ctx, "user_a"))

	snap := tc.Usage(ctx, "user_a")
	assert.Equal(t, UsageSnapshot{UserID: "user_a", Count: 2, Limit: 2, Remaining: 0}, snap)
}

func TestTrialCounterChargeStopsAtLimit(t *testing.T) {
	tc := NewTrialCounter(TrialCounterConfig{Limit: 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		snap, exceeded := tc.Charge(ctx, "user_b")
		require.False(t, exceeded)
		assert.Equal(t, int64(i), snap.Count)
	}

	snap, exceeded := tc.Charge(ctx, "user_b")
	assert.True(t, exceeded)
	assert.Equal(t, int64(3), snap.Count, "an exceeded charge does not consume")
	assert.Equal(t, int64(0), snap.Remaining)
}

func TestTrialCounterConcurrentCharge(t *testing.T) {
	tc := NewTrialCounter(TrialCounterConfig{Limit: 5})
	ctx := context.Background()

	var mu sync.Mutex
	charged := 0
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, exceeded := tc.Charge(ctx, "user_c"); !exceeded {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, charged)
	assert.Equal(t, int64(5), tc.Usage(ctx, "user_c").Count)
}

func TestTrialCounterUnknownIdentity(t *testing.T) {
	tc := NewTrialCounter(TrialCounterConfig{Limit: 4})

	snap := tc.Usage(context.Background(), "user_new")
	assert.Equal(t, int64(0), snap.Count)
	assert.Equal(t, int64(4), snap.Remaining)
}
