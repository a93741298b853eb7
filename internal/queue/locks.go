package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockNotOwned is returned when renewing or releasing a lock held by
// someone else (or nobody).
var ErrLockNotOwned = errors.New("lock not owned by caller")

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLock takes a named cross-process lock. The owner token fences
// renew and release so a lock that expired and was re-acquired elsewhere
// cannot be stolen back.
func (q *Queue) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, keyLockPrefix+name, owner, ttl).Result()
}

func (q *Queue) RenewLock(ctx context.Context, name, owner string, ttl time.Duration) error {
	renewed, err := renewLockScript.Run(ctx, q.client, []string{keyLockPrefix + name}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if renewed == 0 {
		return ErrLockNotOwned
	}
	return nil
}

func (q *Queue) ReleaseLock(ctx context.Context, name, owner string) error {
	released, err := releaseLockScript.Run(ctx, q.client, []string{keyLockPrefix + name}, owner).Int64()
	if err != nil {
		return err
	}
	if released == 0 {
		return ErrLockNotOwned
	}
	return nil
}

// IsLocked reports whether a named lock is currently held.
func (q *Queue) IsLocked(ctx context.Context, name string) (bool, error) {
	held, err := q.client.Exists(ctx, keyLockPrefix+name).Result()
	if err != nil {
		return false, err
	}
	return held > 0, nil
}
