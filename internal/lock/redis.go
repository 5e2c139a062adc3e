package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "lock:calendar:"
	retryBackoff = 25 * time.Millisecond
)

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a locker backed by one Redis key per calendar bucket.
// ttl bounds how long a crashed holder can block others; wait bounds how long
// a caller queues behind a live holder before giving up.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

func (l *redisLocker) WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	keys = normalizeKeys(keys)
	token := uuid.NewString()

	held := make([]string, 0, len(keys))
	defer func() {
		for _, key := range held {
			// release on a fresh context so a canceled caller still frees the key
			relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = l.release(relCtx, key, token)
			cancel()
		}
	}()

	waitCtx, cancelWait := context.WithTimeout(ctx, l.wait)
	defer cancelWait()

	for _, k := range keys {
		key := keyPrefix + k
		if err := l.acquire(waitCtx, key, token); err != nil {
			return err
		}
		held = append(held, key)
	}

	// Keys taken early have been ticking while later ones were awaited.
	// Restart every TTL so all of them outlive fn's deadline.
	if err := l.refresh(ctx, held, token); err != nil {
		return err
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisLocker) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
			}
			return fmt.Errorf("acquire calendar lock: %w", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-time.After(retryBackoff):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (l *redisLocker) refresh(ctx context.Context, keys []string, token string) error {
	for _, key := range keys {
		n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		if err != nil {
			return fmt.Errorf("refresh calendar lock: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s expired while waiting for other keys", ErrLockNotAcquired, key)
		}
	}
	return nil
}

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release calendar lock: %w", err)
	}
	return nil
}
