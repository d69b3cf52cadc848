package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scheduled is a sorted-set-backed queue of delayed items. Claiming is done
// by atomically rescheduling the earliest ready item into the future, so a
// crashed consumer leaves the item to be retried after the window elapses.
type Scheduled struct {
	rdb *redis.Client
	key string
}

// NewScheduled returns a scheduled view stored under the given key.
func (q *Queue) NewScheduled(key string) *Scheduled {
	return &Scheduled{rdb: q.rdb, key: key}
}

// popFirstReady returns the earliest member with score <= now and bumps its
// score to now+window in the same transaction. The reschedule is the claim.
var popFirstReady = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], items[1])
return items[1]
`)

// Schedule adds or moves an item to fire at the given time.
func (s *Scheduled) Schedule(ctx context.Context, item string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, s.key, redis.Z{Score: float64(at.Unix()), Member: item}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule item: %w", err)
	}
	return nil
}

// PopFirstReady claims the earliest item due at or before now, rescheduling
// it retryWindow later. ok is false when nothing is ready.
func (s *Scheduled) PopFirstReady(ctx context.Context, now time.Time, retryWindow time.Duration) (string, bool, error) {
	res, err := popFirstReady.Run(ctx, s.rdb, []string{s.key},
		now.Unix(), now.Add(retryWindow).Unix()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to claim scheduled item: %w", err)
	}
	item, ok := res.(string)
	if !ok {
		return "", false, nil
	}
	return item, true, nil
}

// Remove drops an item from the schedule entirely.
func (s *Scheduled) Remove(ctx context.Context, item string) error {
	if err := s.rdb.ZRem(ctx, s.key, item).Err(); err != nil {
		return fmt.Errorf("failed to remove scheduled item: %w", err)
	}
	return nil
}

// Items lists everything currently scheduled, earliest first. This set is
// the source of truth for which items are active.
func (s *Scheduled) Items(ctx context.Context) ([]string, error) {
	items, err := s.rdb.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled items: %w", err)
	}
	return items, nil
}
