package syncutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL   = 10 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

// ErrLockLost is reported when a release finds the key owned by someone else:
// the TTL expired while the holder was still working.
var ErrLockLost = errors.New("syncutil: redis lock expired before release")

// Delete only if we still own the token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a SET NX PX lease per key. Holders must finish within the TTL.
type RedisLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	onLost func(key string, err error)
}

var _ Locker = (*RedisLock)(nil)

// NewRedisLock creates a lock whose keys are prefix+key.
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{client: client, prefix: prefix, ttl: DefaultLockTTL, retry: defaultLockRetry}
}

// WithTTL overrides the lease length.
func (l *RedisLock) WithTTL(ttl time.Duration) *RedisLock {
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

// OnLost registers a callback for releases that found the lease expired.
func (l *RedisLock) OnLost(fn func(key string, err error)) *RedisLock {
	l.onLost = fn
	return l
}

// LockContext polls SET NX until it wins or ctx is done.
func (l *RedisLock) LockContext(ctx context.Context, key string) (func(), error) {
	full := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis lock %s: %w", full, err)
		}
		if ok {
			return func() { l.release(full, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// release runs on its own context; the caller's may already be cancelled.
func (l *RedisLock) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err == nil && n == 0 {
		err = ErrLockLost
	}
	if err != nil && l.onLost != nil {
		l.onLost(key, err)
	}
}
