package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestWithLockReleasesKey(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	key := ContactKey(uuid.New())

	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		assert.True(t, mr.Exists(key))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(key))
}

func TestWithLockRejectsHeldKey(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	key := SlotKey(uuid.New(), time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	require.NoError(t, mr.Set(key, "someone-else"))

	called := false
	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)

	// a foreign token is never deleted
	val, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestWithLockPropagatesError(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "lock:test", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithLockWaitSerializes(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	key := ConversationKey(uuid.New())

	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLockWait(context.Background(), key, 5*time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&done, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(5), done)
}

func TestWithLockWaitGivesUp(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	key := "lock:busy"
	require.NoError(t, mr.Set(key, "holder"))

	err := locker.WithLockWait(context.Background(), key, 120*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	key := "lock:local"

	err := locker.WithLock(context.Background(), key, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, key, func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	err = locker.WithLockWait(context.Background(), key, time.Second, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestKeys(t *testing.T) {
	practice := uuid.MustParse("6f1c2a7e-3b0d-4b8e-9a51-2f0c8d7e4a10")
	at := time.Unix(1741600800, 0)
	assert.Equal(t, "lock:slot:6f1c2a7e-3b0d-4b8e-9a51-2f0c8d7e4a10:1741600800", SlotKey(practice, at))
	assert.Equal(t, "lock:contact:"+practice.String(), ContactKey(practice))
}
