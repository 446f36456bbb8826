package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartRetryRelease runs the loop that moves due entries from the retry
// ZSET back onto the main stream. Callers run it in its own goroutine;
// it exits when the context is cancelled.
func (q *Queue) StartRetryRelease(ctx context.Context) {
	ticker := time.NewTicker(q.releaseInt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := q.releaseDue(ctx); err != nil {
			if q.logger != nil {
				q.logger.Error("retry_release_failed", "error", err)
			}
		} else if n > 0 && q.logger != nil {
			q.logger.Info("retries_released", "count", n)
		}
	}
}

// releaseDue re-enqueues every retry entry whose release time has
// passed. An entry is only removed from the ZSET after the XADD
// succeeds, so a crash between the two at worst re-releases the same
// job id, which the worker's idempotent handling absorbs.
func (q *Queue) releaseDue(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, err
	}

	released := 0
	for _, member := range members {
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{"job_id": member},
		}).Err(); err != nil {
			return released, err
		}
		if err := q.client.ZRem(ctx, q.retryKey, member).Err(); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}
