// Package lock provides named mutual exclusion for warehouse appends. The
// primary implementation stores an owner token with a TTL in Redis; a
// process-local fallback exists for environments without a reachable shared
// store and only serializes writers inside one process.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "warehouse_lock:"
	pollInterval = 100 * time.Millisecond
)

// ErrNotAcquired is returned when the lock could not be taken within the
// caller's wait budget.
var ErrNotAcquired = errors.New("lock: not acquired within timeout")

// Guard proves ownership of a held lock. Release only deletes the lock record
// while the stored token still matches, so a guard that outlived its expiry
// cannot release a lock re-acquired by someone else.
type Guard struct {
	Name  string
	token string
}

// Locker is the mutual-exclusion contract used by the warehouse writer.
type Locker interface {
	// Acquire blocks until the named lock is held or timeout elapses. The
	// same duration is used as the lock record's expiry, so a crashed
	// holder frees the lock after at most timeout.
	Acquire(ctx context.Context, name string, timeout time.Duration) (*Guard, error)

	// Release is idempotent and a no-op if the caller no longer owns the
	// lock.
	Release(ctx context.Context, g *Guard) error
}

// RedisLocker implements Locker over a shared Redis instance.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// releaseScript deletes the lock key only when the stored owner token matches.
// The compare and the delete must be one atomic step; a plain GET+DEL could
// delete a lock taken over by a new owner after expiry.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Guard, error) {
	token := uuid.NewString()
	key := keyPrefix + name
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, timeout).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "lock: set %s", name)
		}
		if ok {
			return &Guard{Name: name, token: token}, nil
		}
		if time.Now().Add(pollInterval).After(deadline) {
			return nil, errors.Wrapf(ErrNotAcquired, "lock %s after %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (l *RedisLocker) Release(ctx context.Context, g *Guard) error {
	if g == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + g.Name}, g.token).Err(); err != nil && err != redis.Nil {
		return errors.Wrapf(err, "lock: release %s", g.Name)
	}
	return nil
}
