package locks

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLocal_SerialisesSameKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewLocal()
	var inside, peak int64

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "chan-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt64(&inside, 1)
			if n > atomic.LoadInt64(&peak) {
				atomic.StoreInt64(&peak, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak)
	assert.Zero(t, l.Len(), "idle keys are removed")
}

func TestLocal_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocal()

	unlockA, err := l.Lock(t.Context(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_CancelWhileWaiting(t *testing.T) {
	l := NewLocal()

	unlock, err := l.Lock(t.Context(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, l.Len())
}

// setupTestRedis connects to RELAY_TEST_REDIS_ADDR or skips.
func setupTestRedis(t *testing.T) *Redis {
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb, err := NewRedisClient(RedisConfig{Addr: addr})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, 10*time.Second)
}

func TestRedis_LockExcludes(t *testing.T) {
	r := setupTestRedis(t)
	key := "test:" + t.Name()

	unlock, err := r.Lock(t.Context(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 150*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock2, err := r.Lock(t.Context(), key)
	require.NoError(t, err)
	unlock2()
}

func TestRedis_ReleaseOnlyOwnToken(t *testing.T) {
	r := setupTestRedis(t)
	key := "test:" + t.Name()
	name := r.prefix + key

	unlock, err := r.Lock(t.Context(), key)
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	require.NoError(t, r.rdb.Set(t.Context(), name, "someone-else", time.Minute).Err())
	unlock()

	val, err := r.rdb.Get(t.Context(), name).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
	r.rdb.Del(t.Context(), name)
}
