package quota

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

type shard[T any] struct {
	mu    sync.Mutex
	items map[string]*T
}

// shardedMap hands out one long-lived entry per key. The shard lock only
// guards lookup and creation; callers serialize on the entry's own mutex so
// one identity never waits on another's critical section.
type shardedMap[T any] struct {
	shards [shardCount]*shard[T]
}

func newShardedMap[T any]() *shardedMap[T] {
	m := &shardedMap[T]{}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &shard[T]{items: make(map[string]*T)}
	}
	return m
}

func (m *shardedMap[T]) getShard(key string) *shard[T] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// entry returns the entry for key, creating it on first use. Entries are
// never removed, so every caller for a key sees the same pointer.
func (m *shardedMap[T]) entry(key string) *T {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		e = new(T)
		s.items[key] = e
	}
	return e
}

// peek returns the entry for key without creating it
func (m *shardedMap[T]) peek(key string) (*T, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	return e, ok
}
