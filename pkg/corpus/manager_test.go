package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls  int64
	events []Event
	err    error
	delay  time.Duration
}

func (f *countingFetcher) Fetch(ctx context.Context, city string) ([]Event, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.events, f.err
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (n *fakeNow) now() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.t
}

func (n *fakeNow) advance(d time.Duration) {
	n.mu.Lock()
	n.t = n.t.Add(d)
	n.mu.Unlock()
}

func newTestManager(f Fetcher) (*Manager, *fakeNow) {
	clock := &fakeNow{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(ManagerConfig{
		Fetcher:   f,
		TTL:       6 * time.Hour,
		RetryBase: time.Millisecond,
		Now:       clock.now,
	})
	return m, clock
}

func TestAcquireFetchesThenServesCache(t *testing.T) {
	f := &countingFetcher{events: []Event{{ID: "1", Title: "Jazz Night"}}}
	m, clock := newTestManager(f)
	ctx := context.Background()

	res, err := m.Acquire(ctx, "New York")
	require.NoError(t, err)
	require.NotNil(t, res.AgeHours)
	assert.Equal(t, 0.0, *res.AgeHours, "a same-call fetch reports age 0")
	assert.Equal(t, "new york", res.City)
	assert.Len(t, res.Events, 1)

	clock.advance(150 * time.Minute)
	res, err = m.Acquire(ctx, "new york")
	require.NoError(t, err)
	require.NotNil(t, res.AgeHours)
	assert.InDelta(t, 2.5, *res.AgeHours, 1e-9)
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.calls))
}

func TestAcquireRefetchesWhenStale(t *testing.T) {
	f := &countingFetcher{events: []Event{{ID: "1"}}}
	m, clock := newTestManager(f)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "boston")
	require.NoError(t, err)

	clock.advance(6 * time.Hour)
	res, err := m.Acquire(ctx, "boston")
	require.NoError(t, err)
	assert.Equal(t, 0.0, *res.AgeHours)
	assert.Equal(t, int64(2), atomic.LoadInt64(&f.calls))
}

func TestAcquireUnknownCityNotRetried(t *testing.T) {
	f := &countingFetcher{err: ErrUnknownCity}
	m, _ := newTestManager(f)
	m.maxRetries = 3

	_, err := m.Acquire(context.Background(), "atlantis")
	assert.ErrorIs(t, err, ErrUnknownCity)
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.calls))
}

func TestAcquireRetriesTransientErrors(t *testing.T) {
	f := &countingFetcher{err: errors.New("connection reset")}
	m, _ := newTestManager(f)
	m.maxRetries = 2

	_, err := m.Acquire(context.Background(), "chicago")
	assert.Error(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&f.calls))
}

func TestRefreshCollapsesConcurrentFetches(t *testing.T) {
	f := &countingFetcher{events: []Event{{ID: "x"}}, delay: 50 * time.Millisecond}
	m, _ := newTestManager(f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Refresh(context.Background(), "miami")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&f.calls))
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "san_francisco.json"),
		[]byte(`{"events":[{"id":"e1","title":"Fog Fest"}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "austin.json"),
		[]byte(`[{"id":"e2","title":"BBQ"}]`), 0o644))

	f := FileFetcher{Dir: dir}
	ctx := context.Background()

	events, err := f.Fetch(ctx, "San Francisco")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Fog Fest", events[0].Title)

	events, err = f.Fetch(ctx, "austin")
	require.NoError(t, err)
	assert.Equal(t, "e2", events[0].ID)

	_, err = f.Fetch(ctx, "paris")
	assert.ErrorIs(t, err, ErrUnknownCity)
}

func TestWarmerWarmAll(t *testing.T) {
	f := &countingFetcher{events: []Event{{ID: "1"}}}
	m, _ := newTestManager(f)
	w := NewWarmer(m, []string{"seattle", "miami"}, "@every 1h", m.log)

	assert.Equal(t, 0, w.WarmAll(context.Background()))
	assert.Equal(t, int64(2), atomic.LoadInt64(&f.calls))

	res, err := m.Acquire(context.Background(), "seattle")
	require.NoError(t, err)
	assert.Equal(t, 0.0, *res.AgeHours)
	assert.Equal(t, int64(2), atomic.LoadInt64(&f.calls), "warm pass filled the cache")
}

func TestWarmerRejectsBadSchedule(t *testing.T) {
	m, _ := newTestManager(&countingFetcher{})
	w := NewWarmer(m, nil, "not a schedule", m.log)
	assert.Error(t, w.Start(context.Background()))
}

func TestNormalizeCity(t *testing.T) {
	assert.Equal(t, "new york", NormalizeCity("  New_York "))
	assert.Equal(t, "new_york", CityKey("New  York"))
}
