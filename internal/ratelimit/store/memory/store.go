package memory

import (
	"context"
	"time"

	"studio/internal/ratelimit/models"
	platformsync "studio/pkg/platform/sync"
)

// Store keeps fixed-window counters in process memory, sharded by key.
type Store struct {
	entries *platformsync.ShardedMap[models.Entry]
}

func New() *Store {
	return &Store{entries: platformsync.NewShardedMap[models.Entry]()}
}

// Hit counts one request against key. An absent or expired entry is replaced
// by a fresh window starting at now.
func (s *Store) Hit(_ context.Context, key string, window time.Duration, now time.Time) (models.Entry, error) {
	return s.entries.Update(key, func(entry models.Entry, ok bool) models.Entry {
		if !ok || entry.Expired(now) {
			entry = models.Entry{Count: 0, ResetAt: now.Add(window)}
		}
		entry.Count++
		return entry
	}), nil
}

// DeleteExpired removes every entry whose window has closed at now.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	return s.entries.DeleteFunc(func(_ string, entry models.Entry) bool {
		return entry.Expired(now)
	}), nil
}

func (s *Store) Reset(_ context.Context, key string) error {
	s.entries.Delete(key)
	return nil
}

func (s *Store) Len() int {
	return s.entries.Len()
}

// Peek returns the stored entry without counting.
func (s *Store) Peek(key string) (models.Entry, bool) {
	return s.entries.Get(key)
}
