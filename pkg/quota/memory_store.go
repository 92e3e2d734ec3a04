package quota

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	mu     sync.Mutex
	events []event
}

// MemoryWindowStore keeps per-identity windows in process memory
type MemoryWindowStore struct {
	windows *shardedMap[memoryWindow]
}

// NewMemoryWindowStore creates an empty in-process window store
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: newShardedMap[memoryWindow]()}
}

// Admit implements WindowStore
func (s *MemoryWindowStore) Admit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	w := s.windows.entry(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	var d Decision
	w.events, d = evaluate(w.events, now, window, limit)
	return d, nil
}

type memoryCounter struct {
	mu    sync.Mutex
	count int64
}

// MemoryTrialStore keeps lifetime trial counts in process memory
type MemoryTrialStore struct {
	counters *shardedMap[memoryCounter]
}

// NewMemoryTrialStore creates an empty in-process trial store
func NewMemoryTrialStore() *MemoryTrialStore {
	return &MemoryTrialStore{counters: newShardedMap[memoryCounter]()}
}

// Count implements TrialStore
func (s *MemoryTrialStore) Count(_ context.Context, key string) (int64, error) {
	c, ok := s.counters.peek(key)
	if !ok {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, nil
}

// Increment implements TrialStore
func (s *MemoryTrialStore) Increment(_ context.Context, key string) (int64, error) {
	c := s.counters.entry(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count, nil
}

// ChargeIfBelow implements TrialStore
func (s *MemoryTrialStore) ChargeIfBelow(_ context.Context, key string, limit int64) (int64, bool, error) {
	c := s.counters.entry(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count >= limit {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}
