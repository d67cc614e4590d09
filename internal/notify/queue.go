package notify

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue is the persistent job queue the engine dequeues from. One logical
// priority queue per channel, plus a delayed queue for scheduled jobs and
// backoff, and a dead queue for audit of dead-lettered jobs.
type Queue interface {
	// Enqueue adds a job to its channel's pending queue.
	Enqueue(ctx context.Context, channel Channel, id uuid.UUID, priority Priority) error

	// Dequeue pops up to limit jobs from a channel's pending queue in
	// priority order (highest tier first, FIFO within a tier).
	Dequeue(ctx context.Context, channel Channel, limit int) ([]DequeuedJob, error)

	// MoveToDelayed parks a job until notBefore (scheduling, backoff, or a
	// rate-limit deferral).
	MoveToDelayed(ctx context.Context, channel Channel, id uuid.UUID, notBefore time.Time, priority Priority) error

	// MoveToDead records a dead-lettered job.
	MoveToDead(ctx context.Context, channel Channel, id uuid.UUID) error

	// PromoteDelayed moves due jobs from a channel's delayed queue back to
	// pending. Returns the number promoted.
	PromoteDelayed(ctx context.Context, channel Channel, now time.Time) (int, error)

	// Remove removes a job from all of its channel's queues.
	Remove(ctx context.Context, channel Channel, id uuid.UUID) error

	// ReplayFromDead moves a job from the dead queue back to pending.
	ReplayFromDead(ctx context.Context, channel Channel, id uuid.UUID) error

	// AcquireLock acquires the processing lock for a job.
	AcquireLock(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the processing lock if held by workerID.
	ReleaseLock(ctx context.Context, id uuid.UUID, workerID string) error

	// Stats returns queue depths for a channel.
	Stats(ctx context.Context, channel Channel) (*QueueStats, error)

	// Close closes the queue connection.
	Close() error
}

// DequeuedJob is a popped pending-queue entry. The priority tier it was
// queued at rides along so a failed hand-off can requeue without demotion.
type DequeuedJob struct {
	ID       uuid.UUID
	Priority Priority
}

// QueueStats holds per-channel queue depths.
type QueueStats struct {
	PendingCount int64 `json:"pending_count"`
	DelayedCount int64 `json:"delayed_count"`
	DeadCount    int64 `json:"dead_count"`
}

const (
	keyQueuePrefix = "courier:queue:" // courier:queue:{channel}:{pending|delayed|dead}
	keyLockPrefix  = "courier:lock:"
)

func pendingKey(c Channel) string { return keyQueuePrefix + string(c) + ":pending" }
func delayedKey(c Channel) string { return keyQueuePrefix + string(c) + ":delayed" }
func deadKey(c Channel) string    { return keyQueuePrefix + string(c) + ":dead" }

// RedisQueue implements Queue on Redis sorted sets.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a queue from a connection URL.
// URL format: redis://[:password@]host:port[/db]
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{client: client}, nil
}

// NewRedisQueueFromClient creates a RedisQueue from an existing client.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// pendingScore orders the pending queue: the priority tier dominates, and
// within a tier older items score higher (FIFO). Tier is multiplied by 1e19
// so it always outweighs the ~1.7e18 nanosecond timestamp.
func pendingScore(priority Priority, now time.Time) float64 {
	return float64(priority.Rank())*1e19 - float64(now.UnixNano())
}

// Enqueue adds a job to its channel's pending queue.
func (q *RedisQueue) Enqueue(ctx context.Context, channel Channel, id uuid.UUID, priority Priority) error {
	err := q.client.ZAdd(ctx, pendingKey(channel), redis.Z{
		Score:  pendingScore(priority, time.Now()),
		Member: id.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue pops up to limit jobs in priority order. ZPOPMAX removes the
// highest scores atomically, so concurrent engine fetch loops never hand the
// same ID to two workers. The tier is recovered from the popped score.
func (q *RedisQueue) Dequeue(ctx context.Context, channel Channel, limit int) ([]DequeuedJob, error) {
	results, err := q.client.ZPopMax(ctx, pendingKey(channel), int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue jobs: %w", err)
	}

	jobs := make([]DequeuedJob, 0, len(results))
	for _, z := range results {
		s, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		jobs = append(jobs, DequeuedJob{
			ID:       id,
			Priority: priorityForRank(int(math.Round(z.Score / 1e19))),
		})
	}
	return jobs, nil
}

func priorityForRank(rank int) Priority {
	switch rank {
	case 3:
		return PriorityUrgent
	case 2:
		return PriorityHigh
	case 1:
		return PriorityNormal
	}
	return PriorityLow
}

// MoveToDelayed parks a job until notBefore. The priority is encoded into
// the fractional part of the score so promotion can restore it.
func (q *RedisQueue) MoveToDelayed(ctx context.Context, channel Channel, id uuid.UUID, notBefore time.Time, priority Priority) error {
	pipe := q.client.Pipeline()

	pipe.ZRem(ctx, pendingKey(channel), id.String())
	pipe.ZAdd(ctx, delayedKey(channel), redis.Z{
		Score:  float64(notBefore.Unix()) + float64(priority.Rank())/10,
		Member: id.String(),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job to delayed: %w", err)
	}
	return nil
}

// MoveToDead records a dead-lettered job.
func (q *RedisQueue) MoveToDead(ctx context.Context, channel Channel, id uuid.UUID) error {
	pipe := q.client.Pipeline()

	pipe.ZRem(ctx, pendingKey(channel), id.String())
	pipe.ZRem(ctx, delayedKey(channel), id.String())
	pipe.ZAdd(ctx, deadKey(channel), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: id.String(),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job to dead queue: %w", err)
	}
	return nil
}

// PromoteDelayed moves due jobs from delayed to pending, restoring the tier
// encoded in the score's fractional part.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, channel Channel, now time.Time) (int, error) {
	results, err := q.client.ZRangeByScoreWithScores(ctx, delayedKey(channel), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10) + ".99",
		Count: 100, // promote in batches
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	if len(results) == 0 {
		return 0, nil
	}

	pipe := q.client.Pipeline()
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		tier := int(math.Round(z.Score*10)) % 10
		pipe.ZRem(ctx, delayedKey(channel), member)
		pipe.ZAdd(ctx, pendingKey(channel), redis.Z{
			Score:  float64(tier)*1e19 - float64(now.UnixNano()),
			Member: member,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return len(results), nil
}

// Remove removes a job from all of its channel's queues and drops its lock.
func (q *RedisQueue) Remove(ctx context.Context, channel Channel, id uuid.UUID) error {
	pipe := q.client.Pipeline()

	pipe.ZRem(ctx, pendingKey(channel), id.String())
	pipe.ZRem(ctx, delayedKey(channel), id.String())
	pipe.ZRem(ctx, deadKey(channel), id.String())
	pipe.Del(ctx, keyLockPrefix+id.String())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job from queues: %w", err)
	}
	return nil
}

// ReplayFromDead moves a job from the dead queue back to pending.
func (q *RedisQueue) ReplayFromDead(ctx context.Context, channel Channel, id uuid.UUID) error {
	pipe := q.client.Pipeline()

	pipe.ZRem(ctx, deadKey(channel), id.String())
	pipe.ZAdd(ctx, pendingKey(channel), redis.Z{
		Score:  pendingScore(PriorityNormal, time.Now()),
		Member: id.String(),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replay job from dead queue: %w", err)
	}
	return nil
}

// AcquireLock acquires the processing lock for a job.
// Uses SET NX EX for atomic lock acquisition.
func (q *RedisQueue) AcquireLock(ctx context.Context, id uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, keyLockPrefix+id.String(), workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// releaseScript atomically deletes a lock only when held by the caller.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// ReleaseLock releases the processing lock if held by workerID.
func (q *RedisQueue) ReleaseLock(ctx context.Context, id uuid.UUID, workerID string) error {
	_, err := releaseScript.Run(ctx, q.client, []string{keyLockPrefix + id.String()}, workerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Stats returns queue depths for a channel.
func (q *RedisQueue) Stats(ctx context.Context, channel Channel) (*QueueStats, error) {
	pipe := q.client.Pipeline()

	pendingCmd := pipe.ZCard(ctx, pendingKey(channel))
	delayedCmd := pipe.ZCard(ctx, delayedKey(channel))
	deadCmd := pipe.ZCard(ctx, deadKey(channel))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	return &QueueStats{
		PendingCount: pendingCmd.Val(),
		DelayedCount: delayedCmd.Val(),
		DeadCount:    deadCmd.Val(),
	}, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
