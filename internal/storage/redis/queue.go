// Package redis holds the notification retry queue.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xenking/oasis-checkout/internal/domain/notify"
)

// DefaultKey is the sorted set holding pending notification retries.
const DefaultKey = "oasis:notify:retry"

var _ notify.RetryQueue = (*RetryQueue)(nil)

// RetryQueue keeps jobs in a sorted set scored by due time in milliseconds.
type RetryQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRetryQueue returns a RetryQueue on the given client.
func NewRetryQueue(client redis.UniversalClient, key string) *RetryQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RetryQueue{client: client, key: key}
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Push schedules job for delivery at due.
func (q *RetryQueue) Push(ctx context.Context, job notify.Job, due time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %q: %w", job.ID, err)
	}
	err = q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing job %q: %w", job.ID, err)
	}
	return nil
}

// PopDue removes and returns the earliest job due at or before now. When
// several workers race for the same member only the one whose ZREM succeeds
// gets it.
func (q *RetryQueue) PopDue(ctx context.Context, now time.Time) (*notify.Job, error) {
	for {
		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("reading due jobs: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
		if err != nil {
			return nil, fmt.Errorf("removing job: %w", err)
		}
		if removed == 0 {
			continue
		}

		var job notify.Job
		if err := json.Unmarshal([]byte(members[0]), &job); err != nil {
			return nil, fmt.Errorf("unmarshaling job: %w", err)
		}
		return &job, nil
	}
}

// Len returns the number of queued jobs.
func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}
