package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
)

const defaultRetryInterval = 50 * time.Millisecond

// Locker guards critical sections keyed by an arbitrary string
// (contact, slot or conversation).
type Locker interface {
	// WithLock runs fn only if the key could be taken immediately.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	// WithLockWait keeps trying until the key is taken, wait elapses or ctx is done.
	WithLockWait(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error
}

type redisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a locker that stores one Redis key per lock
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
		retry:  defaultRetryInterval,
	}
}

func ContactKey(contactID uuid.UUID) string {
	return "lock:contact:" + contactID.String()
}

func ConversationKey(conversationID uuid.UUID) string {
	return "lock:conversation:" + conversationID.String()
}

func SlotKey(practiceID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("lock:slot:%s:%d", practiceID, at.Unix())
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.acquire(ctx, key, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}

	return l.run(ctx, key, token, fn)
}

func (l *redisLocker) WithLockWait(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.acquire(ctx, key, token)
		if err != nil {
			return err
		}
		if ok {
			return l.run(ctx, key, token, fn)
		}
		if !time.Now().Before(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *redisLocker) acquire(ctx context.Context, key, token string) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

func (l *redisLocker) run(ctx context.Context, key, token string, fn func(ctx context.Context) error) error {
	defer func() {
		// released on a fresh context so a cancelled caller still frees the key
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.release(relCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
