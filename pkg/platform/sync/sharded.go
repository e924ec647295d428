package sync

import (
	"sync"
)

const shardCount = 32

// ShardedMap is a string-keyed map split across shards, each behind its own
// mutex, so operations on different keys rarely contend.
type ShardedMap[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

func NewShardedMap[V any]() *ShardedMap[V] {
	s := &ShardedMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

// Update replaces the value at key with fn(current, present) while holding
// the key's shard lock and returns the stored value.
func (s *ShardedMap[V]) Update(key string, fn func(current V, ok bool) V) V {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.m[key]
	next := fn(cur, ok)
	sh.m[key] = next
	return next
}

func (s *ShardedMap[V]) Get(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	return v, ok
}

func (s *ShardedMap[V]) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.m, key)
}

// DeleteFunc removes every entry for which fn returns true, one shard at a
// time, and reports how many were removed.
func (s *ShardedMap[V]) DeleteFunc(fn func(key string, v V) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if fn(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len sums shard sizes; concurrent writers may make it approximate.
func (s *ShardedMap[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// shardFor returns the shard for key. Empty keys map to shard 0.
func (s *ShardedMap[V]) shardFor(key string) *shard[V] {
	if key == "" {
		return &s.shards[0]
	}
	return &s.shards[hashString(key)%shardCount]
}

// hashString provides a simple hash for shard selection.
// Uses djb2-style hashing for good distribution.
func hashString(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}
