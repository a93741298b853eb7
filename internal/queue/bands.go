package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentdhq/agentd/internal/task"
)

// enqueueScript admits a task into its band unless the queue is saturated.
// Enqueueing an id that is already queued or in flight is a no-op, which
// makes webhook redelivery safe.
//
// KEYS: [1..4] band zsets in priority order, [5] meta hash, [6] lease key,
//
//	[7] destination band zset
//
// ARGV: [1] task id, [2] due time ms, [3] soft limit, [4] hard limit,
//
//	[5] org, [6] band name, [7] privileged flag, [8] meta TTL seconds
//
// Returns 1 admitted, 0 duplicate, -1 soft-limit reject, -2 hard-limit
// reject.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[5]) == 1 or redis.call('EXISTS', KEYS[6]) == 1 then
  return 0
end
local depth = redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2]) + redis.call('ZCARD', KEYS[3]) + redis.call('ZCARD', KEYS[4])
if depth >= tonumber(ARGV[4]) then
  return -2
end
if tonumber(ARGV[7]) == 0 and depth >= tonumber(ARGV[3]) then
  return -1
end
redis.call('HSET', KEYS[5], 'org', ARGV[5], 'band', ARGV[6])
redis.call('EXPIRE', KEYS[5], ARGV[8])
redis.call('ZADD', KEYS[7], ARGV[2], ARGV[1])
return 1
`)

// claimScript atomically takes the lease for one candidate, re-verifying
// eligibility and capacity so racing workers cannot double-claim.
//
// KEYS: [1] band zset, [2] lease key, [3] inflight set, [4] org inflight set
// ARGV: [1] task id, [2] worker id, [3] visibility ms, [4] global cap,
//
//	[5] per-org cap, [6] now ms
//
// Returns 1 claimed, 0 candidate gone or not due, -1 global cap reached,
// -2 org cap reached.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 0
end
if tonumber(score) > tonumber(ARGV[6]) then
  return 0
end
if redis.call('SCARD', KEYS[3]) >= tonumber(ARGV[4]) then
  return -1
end
if redis.call('SCARD', KEYS[4]) >= tonumber(ARGV[5]) then
  return -2
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return 1
`)

var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// ackScript releases all queue-side state for a finished task, fenced on
// lease ownership.
//
// KEYS: [1] lease, [2] inflight, [3] org inflight, [4] meta, [5] band
// ARGV: [1] task id, [2] worker id
var ackScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[4])
redis.call('ZREM', KEYS[5], ARGV[1])
return 1
`)

// nackScript returns a task to its band for a later attempt, fenced on
// lease ownership.
//
// KEYS: [1] lease, [2] inflight, [3] org inflight, [4] band
// ARGV: [1] task id, [2] worker id, [3] retry-at ms
var nackScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
return 1
`)

// requeueScript puts a task whose lease expired back into its band. NX on
// the ZADD keeps an already-requeued entry's due time.
//
// KEYS: [1] lease, [2] inflight, [3] org inflight, [4] band
// ARGV: [1] task id, [2] now ms
var requeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], 'NX', ARGV[2], ARGV[1])
return 1
`)

// dropScript force-clears every queue trace of a task. Recovery only: the
// normal path is Ack.
//
// KEYS: [1] lease, [2] inflight, [3] org inflight, [4] meta, [5] band
// ARGV: [1] task id
var dropScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[4])
redis.call('ZREM', KEYS[5], ARGV[1])
return 1
`)

func bandKey(p task.Priority) string {
	return keyBandPrefix + string(p)
}

func allBandKeys() []string {
	bands := task.Bands()
	keys := make([]string, len(bands))
	for i, b := range bands {
		keys[i] = bandKey(b)
	}
	return keys
}

// Enqueue admits a task into the queue. It returns false without error when
// the task id is already queued or in flight. Low and normal priority tasks
// are rejected with ErrTooBusy above the soft limit; critical and high ride
// until the hard limit.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task) (bool, error) {
	if t.ID == "" {
		return false, fmt.Errorf("task id is required")
	}
	priority := t.Priority
	if !priority.Valid() {
		priority = task.PriorityNormal
	}

	privileged := 0
	if priority == task.PriorityCritical || priority == task.PriorityHigh {
		privileged = 1
	}
	due := t.ScheduledFor
	if due.IsZero() {
		due = time.Now()
	}

	keys := append(allBandKeys(),
		keyMetaPrefix+t.ID,
		keyLeasePrefix+t.ID,
		bandKey(priority),
	)
	result, err := enqueueScript.Run(ctx, q.client, keys,
		t.ID,
		due.UnixMilli(),
		q.opts.SoftLimit,
		q.opts.HardLimit,
		t.OrgID,
		string(priority),
		privileged,
		int(metaRetention.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue task: %w", err)
	}
	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, ErrTooBusy
	}
}

// Lease claims the next due task for a worker, draining bands strictly in
// priority order and honoring the global and per-org concurrency caps.
// Returns the empty string when nothing is claimable right now.
func (q *Queue) Lease(ctx context.Context, workerID string) (string, error) {
	now := time.Now()
	nowArg := now.UnixMilli()
	maxScore := fmt.Sprintf("%d", nowArg)

	for _, band := range task.Bands() {
		candidates, err := q.client.ZRangeByScore(ctx, bandKey(band), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: candidateWindow,
		}).Result()
		if err != nil {
			return "", fmt.Errorf("failed to list candidates: %w", err)
		}

		for _, id := range candidates {
			org, err := q.client.HGet(ctx, keyMetaPrefix+id, "org").Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Metadata expired out from under the band entry;
					// nothing can lease it, so clear it.
					_ = q.client.ZRem(ctx, bandKey(band), id).Err()
					continue
				}
				return "", fmt.Errorf("failed to read task meta: %w", err)
			}

			result, err := claimScript.Run(ctx, q.client,
				[]string{bandKey(band), keyLeasePrefix + id, keyInflight, keyInflightOrg + org},
				id, workerID, q.opts.VisibilityTimeout.Milliseconds(),
				q.opts.MaxConcurrent, q.opts.MaxPerOrg, nowArg,
			).Int64()
			if err != nil {
				return "", fmt.Errorf("failed to claim task: %w", err)
			}
			switch result {
			case 1:
				return id, nil
			case -1:
				// Global cap: nothing can be claimed this pass.
				return "", nil
			case -2:
				// Org at capacity; other orgs in this band may still go.
				continue
			default:
				continue
			}
		}
	}
	return "", nil
}

// Heartbeat extends the lease. ErrNotLeaseOwner tells the worker its lease
// expired and another worker may already own the task; it must stop.
func (q *Queue) Heartbeat(ctx context.Context, taskID, workerID string) error {
	renewed, err := renewLeaseScript.Run(ctx, q.client,
		[]string{keyLeasePrefix + taskID},
		workerID, q.opts.VisibilityTimeout.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	if renewed == 0 {
		return ErrNotLeaseOwner
	}
	return nil
}

// Ack releases all queue state for a task that reached a terminal status.
func (q *Queue) Ack(ctx context.Context, taskID, workerID string) error {
	org, band, err := q.taskMeta(ctx, taskID)
	if err != nil {
		return err
	}
	acked, err := ackScript.Run(ctx, q.client,
		[]string{keyLeasePrefix + taskID, keyInflight, keyInflightOrg + org, keyMetaPrefix + taskID, bandKey(band)},
		taskID, workerID,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	if acked == 0 {
		return ErrNotLeaseOwner
	}
	return nil
}

// Nack returns the task to its band, due again at retryAt.
func (q *Queue) Nack(ctx context.Context, taskID, workerID string, retryAt time.Time) error {
	org, band, err := q.taskMeta(ctx, taskID)
	if err != nil {
		return err
	}
	nacked, err := nackScript.Run(ctx, q.client,
		[]string{keyLeasePrefix + taskID, keyInflight, keyInflightOrg + org, bandKey(band)},
		taskID, workerID, retryAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to nack task: %w", err)
	}
	if nacked == 0 {
		return ErrNotLeaseOwner
	}
	return nil
}

// ExpiredLeases lists in-flight tasks whose lease key has expired.
func (q *Queue) ExpiredLeases(ctx context.Context) ([]string, error) {
	var expired []string
	iter := q.client.SScan(ctx, keyInflight, 0, "", 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()
		exists, err := q.client.Exists(ctx, keyLeasePrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check lease: %w", err)
		}
		if exists == 0 {
			expired = append(expired, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan inflight set: %w", err)
	}
	return expired, nil
}

// Requeue puts an expired-lease task back into its band, due immediately.
// Returns false when the lease turned out to be live after all.
func (q *Queue) Requeue(ctx context.Context, taskID string) (bool, error) {
	org, band, err := q.taskMeta(ctx, taskID)
	if err != nil {
		return false, err
	}
	requeued, err := requeueScript.Run(ctx, q.client,
		[]string{keyLeasePrefix + taskID, keyInflight, keyInflightOrg + org, bandKey(band)},
		taskID, time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to requeue task: %w", err)
	}
	return requeued == 1, nil
}

// Drop force-clears a task from the queue regardless of lease state. Used
// by recovery when the durable record says the task is already terminal.
func (q *Queue) Drop(ctx context.Context, taskID string) error {
	org, band, err := q.taskMeta(ctx, taskID)
	if err != nil {
		return err
	}
	if err := dropScript.Run(ctx, q.client,
		[]string{keyLeasePrefix + taskID, keyInflight, keyInflightOrg + org, keyMetaPrefix + taskID, bandKey(band)},
		taskID,
	).Err(); err != nil {
		return fmt.Errorf("failed to drop task: %w", err)
	}
	return nil
}

// RequeueDecision reports whether an expired-lease task should go back into
// its band (true) or be dropped because its durable record is terminal or
// gone (false).
type RequeueDecision func(ctx context.Context, taskID string) (bool, error)

// ReclaimExpired sweeps in-flight tasks whose lease lapsed and either
// requeues or drops them. Returns the number of tasks requeued.
func (q *Queue) ReclaimExpired(ctx context.Context, decide RequeueDecision) (int, error) {
	expired, err := q.ExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range expired {
		back, err := decide(ctx, id)
		if err != nil {
			return requeued, fmt.Errorf("failed to decide requeue for %s: %w", id, err)
		}
		if !back {
			if err := q.Drop(ctx, id); err != nil {
				return requeued, err
			}
			continue
		}
		ok, err := q.Requeue(ctx, id)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
		}
	}
	return requeued, nil
}

// Depths reports the number of queued tasks per band.
func (q *Queue) Depths(ctx context.Context) (map[task.Priority]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[task.Priority]*redis.IntCmd, 4)
	for _, band := range task.Bands() {
		cmds[band] = pipe.ZCard(ctx, bandKey(band))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}
	depths := make(map[task.Priority]int64, 4)
	for band, cmd := range cmds {
		depths[band] = cmd.Val()
	}
	return depths, nil
}

// TotalDepth is the number of queued tasks across all bands.
func (q *Queue) TotalDepth(ctx context.Context) (int64, error) {
	depths, err := q.Depths(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range depths {
		total += n
	}
	return total, nil
}

// InflightCount is the number of currently leased tasks.
func (q *Queue) InflightCount(ctx context.Context) (int64, error) {
	n, err := q.client.SCard(ctx, keyInflight).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count inflight tasks: %w", err)
	}
	return n, nil
}

func (q *Queue) taskMeta(ctx context.Context, taskID string) (org string, band task.Priority, err error) {
	values, err := q.client.HGetAll(ctx, keyMetaPrefix+taskID).Result()
	if err != nil {
		return "", "", fmt.Errorf("failed to read task meta: %w", err)
	}
	org = values["org"]
	band = task.Priority(values["band"])
	if !band.Valid() {
		band = task.PriorityNormal
	}
	return org, band, nil
}
