// Package queue implements the durable multi-queue FIFO on Redis lists,
// plus the sorted-set scheduled queue used by supervisor-style consumers.
// All operations are at-least-once; retry bookkeeping belongs to consumers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue names. The set is closed; the two legacy names are drained by
// workers but not produced by any current stage.
const (
	Triage              = "triage_queue"
	RebaseC9s           = "rebase_queue_c9s"
	RebaseC10s          = "rebase_queue_c10s"
	BackportC9s         = "backport_queue_c9s"
	BackportC10s        = "backport_queue_c10s"
	ClarificationNeeded = "clarification_needed_queue"
	ErrorList           = "error_list"
	NoActionList        = "no_action_list"
	CompletedRebase     = "completed_rebase_list"
	CompletedBackport   = "completed_backport_list"

	LegacyRebase   = "rebase_queue"
	LegacyBackport = "backport_queue"
)

// AllQueues lists every queue the ingestion dedup scan must cover.
func AllQueues() []string {
	return []string{
		Triage,
		RebaseC9s, RebaseC10s,
		BackportC9s, BackportC10s,
		ClarificationNeeded,
		ErrorList, NoActionList,
		CompletedRebase, CompletedBackport,
		LegacyRebase, LegacyBackport,
	}
}

// Queue is a Redis-backed set of named FIFO lists.
type Queue struct {
	rdb *redis.Client
}

// New connects to the queue backend at the given Redis URL.
func New(url string) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue backend URL: %w", err)
	}
	return &Queue{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Close releases the underlying connection pool.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Ping verifies connectivity to the backend.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue backend unreachable: %w", err)
	}
	return nil
}

// Push appends a JSON-serialized payload to the tail of the named queue.
func (q *Queue) Push(ctx context.Context, name string, payload any) error {
	raw, err := marshal(payload)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, name, raw).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", name, err)
	}
	return nil
}

// PushHead prepends a payload so it is consumed next. Used for retries,
// which intentionally take priority over new work.
func (q *Queue) PushHead(ctx context.Context, name string, payload any) error {
	raw, err := marshal(payload)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, name, raw).Err(); err != nil {
		return fmt.Errorf("failed to push to head of %s: %w", name, err)
	}
	return nil
}

// BlockingPop consumes the oldest item across the given queues, waiting up
// to timeout. Ties are resolved by queue list order. ok is false when the
// wait expired with nothing available.
func (q *Queue) BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, bool, error) {
	res, err := q.rdb.BLPop(ctx, timeout, queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("failed to pop from %v: %w", queues, err)
	}
	// BLPOP returns [queue, value].
	return res[0], []byte(res[1]), true, nil
}

// List returns the raw contents of a queue oldest-first. Intended for the
// ingestion dedup scan only; it is an O(N) read of the whole list.
func (q *Queue) List(ctx context.Context, name string) ([][]byte, error) {
	vals, err := q.rdb.LRange(ctx, name, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", name, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Remove deletes all occurrences of the exact raw value from a queue.
// Returns the number of removed entries.
func (q *Queue) Remove(ctx context.Context, name string, raw []byte) (int64, error) {
	n, err := q.rdb.LRem(ctx, name, 0, raw).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove from %s: %w", name, err)
	}
	return n, nil
}

// Len returns the number of items in a queue.
func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	n, err := q.rdb.LLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", name, err)
	}
	return n, nil
}

func marshal(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize queue payload: %w", err)
	}
	return raw, nil
}
