package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Acquire performs a non-blocking try-acquire on the named lock via SetNX.
// It never queues waiters: ok=false means some other process holds the lock
// and this caller should skip its turn. The TTL bounds how long a crashed
// holder can keep the lock.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, bool, error) {
	if client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

// Release deletes the lock only when the stored token still matches, so a
// lock that expired and was re-acquired by another process is never released
// by the stale holder.
func Release(ctx context.Context, client *redis.Client, lock *Lock) error {
	if client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// Locker wraps a redis client behind the try-acquire interface the sweeper
// consumes, so tests can substitute an in-memory implementation.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if l == nil {
		return nil, false, errors.New("locker not initialized")
	}
	lock, ok, err := Acquire(ctx, l.client, key, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	release := func(ctx context.Context) error {
		return Release(ctx, l.client, lock)
	}
	return release, true, nil
}
