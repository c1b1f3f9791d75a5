package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mailtriage/internal/metrics"
)

// reapGrace is added to a job's timeout before the reaper treats it as
// abandoned.
const reapGrace = 30 * time.Second

// promoteScript moves due delayed jobs back onto the ready list.
// KEYS[1]=delayed KEYS[2]=ready ARGV[1]=now ms.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, raw in ipairs(due) do
  redis.call('ZREM', KEYS[1], raw)
  redis.call('LPUSH', KEYS[2], raw)
end
return #due
`)

// reapScript requeues processing jobs whose deadline passed.
// KEYS[1]=deadlines KEYS[2]=processing KEYS[3]=ready ARGV[1]=now ms.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local n = 0
for _, raw in ipairs(expired) do
  redis.call('ZREM', KEYS[1], raw)
  if redis.call('LREM', KEYS[2], 1, raw) > 0 then
    redis.call('RPUSH', KEYS[3], raw)
    n = n + 1
  end
end
return n
`)

// RedisQueue is a reliable list-based queue. Jobs move atomically from the
// ready list to a processing list and stay there until acked, so a crashed
// worker's jobs are recovered by Maintain.
type RedisQueue struct {
	rdb     *redis.Client
	base    string
	poll    time.Duration
	backoff Backoff
	logger  *slog.Logger
	now     func() time.Time
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithPollTimeout sets how long Next blocks waiting for a job.
func WithPollTimeout(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) { q.poll = d }
}

// WithBackoff sets the delay between attempts.
func WithBackoff(b Backoff) RedisQueueOption {
	return func(q *RedisQueue) { q.backoff = b }
}

// NewRedisQueue creates a queue named name under prefix.
func NewRedisQueue(rdb *redis.Client, prefix, name string, logger *slog.Logger, opts ...RedisQueueOption) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &RedisQueue{
		rdb:     rdb,
		base:    fmt.Sprintf("%s:queue:%s", prefix, name),
		poll:    time.Second,
		backoff: DefaultBackoff(),
		logger:  logger.With("component", "redis-queue", "queue", name),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) readyKey() string      { return q.base }
func (q *RedisQueue) processingKey() string { return q.base + ":processing" }
func (q *RedisQueue) delayedKey() string    { return q.base + ":delayed" }
func (q *RedisQueue) deadlinesKey() string  { return q.base + ":deadlines" }
func (q *RedisQueue) failedKey() string     { return q.base + ":failed" }

// Enqueue pushes a new job for messageID.
func (q *RedisQueue) Enqueue(ctx context.Context, messageID string, timeout time.Duration, maxAttempts int) (Job, error) {
	job := NewJob(messageID, timeout, maxAttempts)
	raw, err := encodeJob(job)
	if err != nil {
		return Job{}, err
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return Job{}, fmt.Errorf("failed to enqueue job for message %s: %w", messageID, err)
	}
	return job, nil
}

// Next waits up to the poll timeout for a job.
func (q *RedisQueue) Next(ctx context.Context) (Delivery, error) {
	if err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.readyKey()}, q.now().UnixMilli(),
	).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	raw, err := q.rdb.BRPopLPush(ctx, q.readyKey(), q.processingKey(), q.poll).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	job, err := decodeJob([]byte(raw))
	if err != nil {
		// Park unreadable payloads so they are not redelivered forever.
		_, _ = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processingKey(), 1, raw)
			p.LPush(ctx, q.failedKey(), raw)
			return nil
		})
		q.logger.Error("dropping malformed job", "err", err)
		return nil, nil
	}

	deadline := q.now().Add(job.Timeout + reapGrace)
	if err := q.rdb.ZAdd(ctx, q.deadlinesKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: raw}).Err(); err != nil {
		return nil, fmt.Errorf("failed to record job deadline: %w", err)
	}

	return &redisDelivery{q: q, job: job, raw: raw}, nil
}

// Maintain requeues jobs whose worker stopped acknowledging them.
func (q *RedisQueue) Maintain(ctx context.Context) error {
	n, err := reapScript.Run(ctx, q.rdb,
		[]string{q.deadlinesKey(), q.processingKey(), q.readyKey()}, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to reap processing jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued abandoned jobs", "count", n)
		metrics.JobRedeliveriesTotal.Add(float64(n))
	}
	return nil
}

// Failed returns the jobs that used up their attempts, newest first.
func (q *RedisQueue) Failed(ctx context.Context, limit int64) ([]Job, error) {
	raws, err := q.rdb.LRange(ctx, q.failedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		if j, err := decodeJob([]byte(raw)); err == nil {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// Len returns the number of ready jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.readyKey()).Result()
}

type redisDelivery struct {
	q   *RedisQueue
	job Job
	raw string
}

func (d *redisDelivery) Job() Job { return d.job }

func (d *redisDelivery) Ack(ctx context.Context) error {
	_, err := d.q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, d.q.processingKey(), 1, d.raw)
		p.ZRem(ctx, d.q.deadlinesKey(), d.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.job.ID, err)
	}
	return nil
}

func (d *redisDelivery) Nack(ctx context.Context, cause error) error {
	q := d.q
	if d.job.Exhausted() {
		failed := d.job
		if cause != nil {
			failed.LastError = cause.Error()
		}
		raw, err := encodeJob(failed)
		if err != nil {
			return err
		}
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.processingKey(), 1, d.raw)
			p.ZRem(ctx, q.deadlinesKey(), d.raw)
			p.LPush(ctx, q.failedKey(), raw)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to move job %s to failed list: %w", d.job.ID, err)
		}
		metrics.JobsFailedTotal.Inc()
		return nil
	}

	at := q.now().Add(q.backoff.Delay(d.job.Attempt))
	next := d.job.Retry(cause, at)
	raw, err := encodeJob(next)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processingKey(), 1, d.raw)
		p.ZRem(ctx, q.deadlinesKey(), d.raw)
		p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(at.UnixMilli()), Member: raw})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", d.job.ID, err)
	}
	metrics.JobRedeliveriesTotal.Inc()
	return nil
}
